package mapping

import (
	"strings"

	"syncbridge/internal/remote"
)

// LinkPolicy proposes a source record for a datastore row that carries no
// binding. Policies are advisory: callers decide whether to write the
// proposed binding back.
type LinkPolicy interface {
	Link(rowFields map[string]any, candidates []remote.Record) (sourceID string, ok bool)
}

// NameMatchPolicy links on case-insensitive equality of the configured
// field pairs, taking the first candidate that matches all of them.
type NameMatchPolicy struct {
	// Pairs maps the datastore column to the source field it must equal.
	Pairs map[string]string
}

func (p NameMatchPolicy) Link(rowFields map[string]any, candidates []remote.Record) (string, bool) {
	if len(p.Pairs) == 0 {
		return "", false
	}
	for _, cand := range candidates {
		if p.matches(rowFields, cand) {
			return cand.ID, true
		}
	}
	return "", false
}

func (p NameMatchPolicy) matches(rowFields map[string]any, cand remote.Record) bool {
	for dsField, srcField := range p.Pairs {
		rowVal, ok := rowFields[dsField].(string)
		if !ok || strings.TrimSpace(rowVal) == "" {
			return false
		}
		candVal, ok := cand.Fields[srcField].(string)
		if !ok {
			return false
		}
		if !strings.EqualFold(strings.TrimSpace(rowVal), strings.TrimSpace(candVal)) {
			return false
		}
	}
	return true
}

// Linker applies a policy across many rows while preserving the sourceId
// uniqueness invariant: a source record already bound, or already proposed
// for an earlier row, is never proposed again.
type Linker struct {
	policy LinkPolicy
	used   map[string]bool
}

// NewLinker seeds the used set with the source IDs already bound in the
// datastore.
func NewLinker(policy LinkPolicy, boundSourceIDs []string) *Linker {
	used := make(map[string]bool, len(boundSourceIDs))
	for _, id := range boundSourceIDs {
		used[id] = true
	}
	return &Linker{policy: policy, used: used}
}

// Propose returns the source ID the policy picks for the row, if any is
// still unclaimed.
func (l *Linker) Propose(rowFields map[string]any, candidates []remote.Record) (string, bool) {
	free := candidates[:0:0]
	for _, cand := range candidates {
		if !l.used[cand.ID] {
			free = append(free, cand)
		}
	}
	id, ok := l.policy.Link(rowFields, free)
	if !ok {
		return "", false
	}
	l.used[id] = true
	return id, true
}
