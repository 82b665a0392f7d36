// Package conflict implements the label-overlap conflict check used by the
// Scheduler to avoid dispatching two tasks that would step on the same
// module or file (spec §4.A).
package conflict

import "sort"

// DefaultPrefixes are the label prefixes considered for conflict detection
// when a caller does not supply its own set. All other labels are ignored
// regardless of content.
var DefaultPrefixes = []string{"module:", "file:"}

// Result is the deterministic, lexicographically sorted outcome of a
// conflict check.
type Result struct {
	Conflicting       bool
	ConflictWith      []string
	OverlappingLabels []string
}

// Check detects label overlap between a candidate task's labels and the
// labels of currently in-progress issues. An empty candidate label set
// never conflicts. inProgress maps an issue id to its labels. prefixes
// overrides DefaultPrefixes when provided, so callers (e.g. the Scheduler)
// can configure which label namespaces participate in conflict detection
// (spec SPEC_FULL.md Module A) instead of being stuck with a hardcoded set.
func Check(candidateLabels []string, inProgress map[string][]string, prefixes ...string) Result {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}

	candidateSet := relevantSet(candidateLabels, prefixes)
	if len(candidateSet) == 0 {
		return Result{}
	}

	conflictIDs := make(map[string]bool)
	overlapSet := make(map[string]bool)
	for issueID, labels := range inProgress {
		for label := range relevantSet(labels, prefixes) {
			if candidateSet[label] {
				conflictIDs[issueID] = true
				overlapSet[label] = true
			}
		}
	}

	res := Result{
		Conflicting:       len(conflictIDs) > 0,
		ConflictWith:      sortedKeys(conflictIDs),
		OverlappingLabels: sortedKeys(overlapSet),
	}
	return res
}

func relevantSet(labels []string, prefixes []string) map[string]bool {
	out := make(map[string]bool, len(labels))
	for _, l := range labels {
		if hasRelevantPrefix(l, prefixes) {
			out[l] = true
		}
	}
	return out
}

func hasRelevantPrefix(label string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(label) >= len(p) && label[:len(p)] == p {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
