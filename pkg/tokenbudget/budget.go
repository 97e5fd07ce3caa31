// Package tokenbudget trims state payloads to a token budget.
//
// Trimming is deterministic and idempotent. Optional value sections are
// dropped lowest priority first, then optional list sections are truncated
// down a fixed ladder of caps ending at zero, and last required lists are cut
// to their first few items with a "<name>_dropped" count beside them.
// Identity fields and required values are never touched; when that minimal
// payload still exceeds the budget Trim fails with
// perrors.ErrBudgetUnsatisfiable.
//
// Sections may belong to a group with its own token cap. Groups over their
// cap are reduced the same way, within the group, before the overall budget
// applies.
package tokenbudget

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// DefaultBudget is the per-step hard limit.
const DefaultBudget = 1200

// DefaultLadder is the cap sequence for list sections without their own.
// A ladder should end at zero so the section can be emptied.
var DefaultLadder = []int{12, 6, 0}

// DefaultKeep is how many items a required list keeps at most once cut.
const DefaultKeep = 3

// GroupBudgets caps the tokens of each section group. Groups not named are
// uncapped.
type GroupBudgets map[string]int

// Section is one named part of the payload.
type Section struct {
	Name     string
	Priority int // lower is trimmed first
	Required bool
	// Exactly one of List or Value is set.
	List  []json.RawMessage
	Value json.RawMessage
	// Ladder overrides DefaultLadder for a list section.
	Ladder []int
	// Keep overrides DefaultKeep for a required list section.
	Keep int
	// Dropped counts items cut from a required list.
	Dropped int
	Group   string
}

func (s Section) isList() bool { return s.List != nil }

// Payload is an identity block plus ordered sections.
type Payload struct {
	Identity map[string]any
	Sections []Section
}

// Report describes what Trim did.
type Report struct {
	Tokens  int
	Trimmed bool
	// Notes lists every drop and truncation in the order applied.
	Notes []string
}

// Estimate approximates the token count of v: a quarter of its compact JSON
// length, at least one.
func Estimate(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 1
	}
	return estimateBytes(raw)
}

func estimateBytes(raw []byte) int {
	n := len(raw) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Encode renders the payload as one JSON object. Keys are sorted, so equal
// payloads encode to equal bytes.
func (p Payload) Encode() (json.RawMessage, error) {
	obj := make(map[string]any, len(p.Identity)+len(p.Sections))
	for k, v := range p.Identity {
		obj[k] = v
	}
	for _, s := range p.Sections {
		if _, clash := p.Identity[s.Name]; clash {
			return nil, fmt.Errorf("tokenbudget: section %q shadows an identity field", s.Name)
		}
		if s.isList() {
			obj[s.Name] = s.List
			if s.Dropped > 0 {
				obj[s.Name+"_dropped"] = s.Dropped
			}
		} else {
			obj[s.Name] = s.Value
		}
	}
	return json.Marshal(obj)
}

func (p Payload) tokens() (int, error) {
	raw, err := p.Encode()
	if err != nil {
		return 0, err
	}
	return estimateBytes(raw), nil
}

func (p Payload) clone() Payload {
	out := Payload{Identity: p.Identity, Sections: make([]Section, len(p.Sections))}
	copy(out.Sections, p.Sections)
	return out
}

// byPriority returns section indexes ordered by ascending priority, ties
// broken by name.
func (p Payload) byPriority() []int {
	idx := make([]int, len(p.Sections))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := p.Sections[idx[a]], p.Sections[idx[b]]
		if sa.Priority != sb.Priority {
			return sa.Priority < sb.Priority
		}
		return sa.Name < sb.Name
	})
	return idx
}

// Trim returns p reduced to at most budget tokens. p is not modified.
func Trim(p Payload, budget int) (Payload, Report, error) {
	return TrimGroups(p, budget, nil)
}

// TrimGroups reduces every group of p to its cap in groups, then the whole
// payload to budget. p is not modified.
func TrimGroups(p Payload, budget int, groups GroupBudgets) (Payload, Report, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	t := &trimmer{out: p.clone()}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		limit := groups[g]
		if limit <= 0 {
			continue
		}
		inGroup := func(s Section) bool { return s.Group == g }
		if _, err := t.reduce(inGroup, func() (bool, error) {
			n, err := t.out.subset(inGroup).tokens()
			return n <= limit, err
		}); err != nil {
			return Payload{}, Report{}, err
		}
	}

	var n int
	ok, err := t.reduce(func(Section) bool { return true }, func() (bool, error) {
		var err error
		n, err = t.out.tokens()
		return n <= budget, err
	})
	if err != nil {
		return Payload{}, Report{}, err
	}
	report := Report{Tokens: n, Trimmed: len(t.notes) > 0, Notes: t.notes}
	if !ok {
		return Payload{}, report,
			fmt.Errorf("%w: minimal payload is %d tokens, budget %d", perrors.ErrBudgetUnsatisfiable, n, budget)
	}
	return t.out, report, nil
}

// subset returns the sections of p picked by in, without identity.
func (p Payload) subset(in func(Section) bool) Payload {
	out := Payload{}
	for _, s := range p.Sections {
		if in(s) {
			out.Sections = append(out.Sections, s)
		}
	}
	return out
}

type trimmer struct {
	out   Payload
	notes []string
}

// reduce trims the sections picked by in until done reports true, and
// reports whether it got there.
func (t *trimmer) reduce(in func(Section) bool, done func() (bool, error)) (bool, error) {
	// Drop optional value sections, lowest priority first.
	for {
		if ok, err := done(); err != nil || ok {
			return ok, err
		}
		victim := -1
		for _, i := range t.out.byPriority() {
			if sec := t.out.Sections[i]; in(sec) && !sec.Required && !sec.isList() {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		t.notes = append(t.notes, "dropped_"+t.out.Sections[victim].Name)
		t.out.Sections = append(t.out.Sections[:victim:victim], t.out.Sections[victim+1:]...)
	}

	// Truncate optional list sections rung by rung.
	for rung := 0; ; rung++ {
		progressed := false
		for _, i := range t.out.byPriority() {
			s := &t.out.Sections[i]
			if !in(*s) || s.Required || !s.isList() {
				continue
			}
			ladder := s.Ladder
			if ladder == nil {
				ladder = DefaultLadder
			}
			if rung >= len(ladder) {
				continue
			}
			progressed = true
			limit := ladder[rung]
			if len(s.List) <= limit {
				continue
			}
			s.List = s.List[:limit:limit]
			t.notes = append(t.notes, "truncated_"+s.Name+"_to_"+strconv.Itoa(limit))
			if ok, err := done(); err != nil || ok {
				return ok, err
			}
		}
		if !progressed {
			break
		}
	}

	// Cut required lists to their first items.
	for _, i := range t.out.byPriority() {
		s := &t.out.Sections[i]
		if !in(*s) || !s.Required || !s.isList() {
			continue
		}
		keep := s.Keep
		if keep <= 0 {
			keep = DefaultKeep
		}
		if len(s.List) <= keep {
			continue
		}
		s.Dropped += len(s.List) - keep
		s.List = s.List[:keep:keep]
		t.notes = append(t.notes, "truncated_"+s.Name+"_to_"+strconv.Itoa(keep))
		if ok, err := done(); err != nil || ok {
			return ok, err
		}
	}
	return done()
}
