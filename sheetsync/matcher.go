package sheetsync

import (
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/models"
)

type MatchOutcome string

const (
	MatchMatched      MatchOutcome = "matched"
	MatchConflict     MatchOutcome = "conflict"
	MatchUnmatched    MatchOutcome = "unmatched"
	MatchNotMatchable MatchOutcome = "not_matchable"
)

// Window is the closed interval [Start, End] of the incremental pass.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

type MatchResult struct {
	Outcome    MatchOutcome
	Key        CompositeKey
	Remote     *RemoteItem
	Provenance string
	Err        error
}

// Matcher indexes remote rows by composite key. A key seen on more than one
// row is a conflict and never matches.
type Matcher struct {
	index     map[CompositeKey]RemoteItem
	conflicts map[CompositeKey][]string
}

func NewMatcher(rows []RemoteItem) *Matcher {
	m := &Matcher{
		index:     make(map[CompositeKey]RemoteItem, len(rows)),
		conflicts: make(map[CompositeKey][]string),
	}
	for _, r := range rows {
		if strings.TrimSpace(r.ItemId) == "" {
			continue
		}
		key, ok := RemoteKey(r)
		if !ok {
			continue
		}
		if ids, dup := m.conflicts[key]; dup {
			m.conflicts[key] = append(ids, r.ItemId)
			continue
		}
		if prev, seen := m.index[key]; seen {
			m.conflicts[key] = []string{prev.ItemId, r.ItemId}
			delete(m.index, key)
			continue
		}
		m.index[key] = r
	}
	return m
}

func (m *Matcher) Len() int { return len(m.index) }

func (m *Matcher) ConflictKeys() []CompositeKey {
	keys := make([]CompositeKey, 0, len(m.conflicts))
	for k := range m.conflicts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (m *Matcher) Match(local *models.BudgetItem, w Window) MatchResult {
	key, ok := LocalKey(local)
	if !ok {
		return MatchResult{Outcome: MatchNotMatchable, Key: key}
	}
	if ids, conflict := m.conflicts[key]; conflict {
		return MatchResult{
			Outcome: MatchConflict,
			Key:     key,
			Err:     &AmbiguousMatchError{Key: key, Candidates: append([]string(nil), ids...)},
		}
	}
	r, found := m.index[key]
	if !found {
		return MatchResult{Outcome: MatchUnmatched, Key: key}
	}
	return MatchResult{
		Outcome:    MatchMatched,
		Key:        key,
		Remote:     &r,
		Provenance: decideProvenance(local.LastModifiedAt, r.LastModified, w),
	}
}

// decideProvenance credits the side that changed inside the window. When both
// did, remote wins unless it is older than local.
func decideProvenance(localAt, remoteAt time.Time, w Window) string {
	localIn := w.Contains(localAt)
	remoteIn := w.Contains(remoteAt)
	switch {
	case localIn && remoteIn:
		if truncSecond(remoteAt) >= truncSecond(localAt) {
			return models.MappingProvenanceRemote
		}
		return models.MappingProvenanceLocal
	case remoteIn:
		return models.MappingProvenanceRemote
	default:
		return models.MappingProvenanceLocal
	}
}
