// Package cluster spreads actions across shards and nodes.
//
// A workflow maps to a shard by hash and stays there for its lifetime. Each
// shard has a scheduler queue drained by one dispatch loop with weighted
// tenant and work-class fairness. A shard's new workflows are owned by the
// admitting node chosen by rendezvous hashing; nodes that breach their
// health ceilings stop admitting and drain.
package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
)

// ShardOf maps a workflow to one of n shards: the first eight bytes of
// SHA-256("tenant|workflow") read big-endian, modulo n.
func ShardOf(tenantID, workflowID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(hash64(tenantID+"|"+workflowID) % uint64(n))
}

func hash64(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

func shardKey(shard int) string {
	return "shard-" + strconv.Itoa(shard)
}

// Router pins workflows to shards and to the node executing them.
type Router struct {
	shards int

	mu     sync.Mutex
	shard  map[string]int
	owners map[string]string
}

// NewRouter returns a router over shards shards.
func NewRouter(shards int) *Router {
	if shards < 1 {
		shards = 1
	}
	return &Router{
		shards: shards,
		shard:  make(map[string]int),
		owners: make(map[string]string),
	}
}

// Shards returns the shard count.
func (r *Router) Shards() int { return r.shards }

// Shard returns the workflow's shard, computing and pinning it on first use.
func (r *Router) Shard(tenantID, workflowID string) int {
	key := contract.LedgerKey(tenantID, workflowID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shard[key]; ok {
		return s
	}
	s := ShardOf(tenantID, workflowID, r.shards)
	r.shard[key] = s
	return s
}

// Owner returns the node pinned to the workflow, if any.
func (r *Router) Owner(tenantID, workflowID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.owners[contract.LedgerKey(tenantID, workflowID)]
	return n, ok
}

// Assign picks the owner of a workflow that has none yet: the rendezvous
// winner for its shard among candidates. The choice is pinned.
func (r *Router) Assign(tenantID, workflowID string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	key := contract.LedgerKey(tenantID, workflowID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.owners[key]; ok {
		return n, true
	}
	shard, ok := r.shard[key]
	if !ok {
		shard = ShardOf(tenantID, workflowID, r.shards)
		r.shard[key] = shard
	}
	owner := rendezvous.New(candidates, hash64).Lookup(shardKey(shard))
	r.owners[key] = owner
	return owner, true
}

// Forget drops the workflow's pins once its session is closed.
func (r *Router) Forget(tenantID, workflowID string) {
	key := contract.LedgerKey(tenantID, workflowID)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shard, key)
	delete(r.owners, key)
}

// Pinned returns how many workflows have an owner.
func (r *Router) Pinned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
