package cluster

import (
	"context"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
)

// Outcome is delivered to the submitter once its action ran.
type Outcome struct {
	Result *contract.ActionExecutionResult
	Err    error
	Node   string
}

type item struct {
	ctx      context.Context
	c        *contract.ActionContract
	class    contract.WorkClass
	tenantID string
	done     chan Outcome
}

// classQueue holds one work class of a shard: a FIFO per tenant plus the
// tenant round-robin ring.
type classQueue struct {
	tenants map[string][]*item
	ring    []string
}

func newClassQueue() *classQueue {
	return &classQueue{tenants: make(map[string][]*item)}
}

func (q *classQueue) push(it *item) {
	if _, ok := q.tenants[it.tenantID]; !ok {
		q.ring = append(q.ring, it.tenantID)
	}
	q.tenants[it.tenantID] = append(q.tenants[it.tenantID], it)
}

func (q *classQueue) drop(tenantID string) {
	delete(q.tenants, tenantID)
	for i, t := range q.ring {
		if t == tenantID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			return
		}
	}
}

// pop walks the ring once and takes the head of the first tenant whose head
// is ready. The served tenant moves to the back of the ring. A tenant whose
// head is not ready is skipped as a whole so its order is kept.
func (q *classQueue) pop(ready func(*item) bool) *item {
	for range len(q.ring) {
		tenant := q.ring[0]
		q.ring = append(q.ring[1:], tenant)
		fifo := q.tenants[tenant]
		if len(fifo) == 0 {
			q.drop(tenant)
			continue
		}
		if !ready(fifo[0]) {
			continue
		}
		head := fifo[0]
		if len(fifo) == 1 {
			q.drop(tenant)
		} else {
			q.tenants[tenant] = fifo[1:]
		}
		return head
	}
	return nil
}

func (q *classQueue) len() int {
	n := 0
	for _, fifo := range q.tenants {
		n += len(fifo)
	}
	return n
}

// shardQueue is the scheduler of one shard. It is only touched by the
// cluster under its lock.
type shardQueue struct {
	classes map[contract.WorkClass]*classQueue
	cycle   []contract.WorkClass
	next    int
}

// newShardQueue builds the class cycle: light repeated lightWeight times,
// then heavy repeated heavyWeight times.
func newShardQueue(lightWeight, heavyWeight int) *shardQueue {
	lightWeight = max(1, lightWeight)
	heavyWeight = max(1, heavyWeight)
	cycle := make([]contract.WorkClass, 0, lightWeight+heavyWeight)
	for range lightWeight {
		cycle = append(cycle, contract.ClassLight)
	}
	for range heavyWeight {
		cycle = append(cycle, contract.ClassHeavy)
	}
	return &shardQueue{
		classes: map[contract.WorkClass]*classQueue{
			contract.ClassLight: newClassQueue(),
			contract.ClassHeavy: newClassQueue(),
		},
		cycle: cycle,
	}
}

func (s *shardQueue) push(it *item) {
	s.classes[it.class].push(it)
}

// pop returns the next ready item. The class cycle advances past the slot
// that was served; an empty class yields its slot to the next one.
func (s *shardQueue) pop(ready func(*item) bool) *item {
	start := s.next % len(s.cycle)
	for off := range len(s.cycle) {
		idx := (start + off) % len(s.cycle)
		if it := s.classes[s.cycle[idx]].pop(ready); it != nil {
			s.next = (idx + 1) % len(s.cycle)
			return it
		}
	}
	return nil
}

func (s *shardQueue) depth() int {
	n := 0
	for _, q := range s.classes {
		n += q.len()
	}
	return n
}
