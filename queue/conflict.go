package queue

import (
	"sort"
	"strings"

	"github.com/teranos/genq/errors"
)

// ConflictFunc reports whether candidate cannot run alongside (or directly
// after, without a reload of) the footprint of the active slot holder.
type ConflictFunc func(active QueueState, candidate *Job) bool

// Conflict rule names accepted by ConflictRule.
const (
	ConflictRuleModels = "models"
	ConflictRuleType   = "type"
	ConflictRuleAny    = "any"
	ConflictRuleNone   = "none"
)

// ConflictRules lists the accepted rule names.
var ConflictRules = []string{ConflictRuleModels, ConflictRuleType, ConflictRuleAny, ConflictRuleNone}

// ConflictOnModels conflicts when the requested models intersect the active ones.
func ConflictOnModels(active QueueState, candidate *Job) bool {
	if active.Free() {
		return false
	}
	return ModelsIntersect(active.ActiveModels, candidate.RequestedModels)
}

// ConflictOnType conflicts when the candidate has the active job's type.
func ConflictOnType(active QueueState, candidate *Job) bool {
	return !active.Free() && active.ActiveJobType == candidate.Type
}

// ConflictAlways treats every job as conflicting with any holder.
func ConflictAlways(active QueueState, _ *Job) bool {
	return !active.Free()
}

// ConflictNever disables blocking.
func ConflictNever(QueueState, *Job) bool {
	return false
}

// ConflictRule resolves a configured rule name.
func ConflictRule(name string) (ConflictFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ConflictRuleModels:
		return ConflictOnModels, nil
	case ConflictRuleType:
		return ConflictOnType, nil
	case ConflictRuleAny:
		return ConflictAlways, nil
	case ConflictRuleNone:
		return ConflictNever, nil
	}
	return nil, errors.NewInvalidRequestError("unknown conflict rule %q (want one of %s)", name, strings.Join(ConflictRules, ", "))
}

// ModelsIntersect reports whether a and b share at least one model.
func ModelsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, m := range a {
		set[m] = struct{}{}
	}
	for _, m := range b {
		if _, ok := set[m]; ok {
			return true
		}
	}
	return false
}

// SharedModels returns the sorted intersection of a and b.
func SharedModels(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, m := range a {
		set[m] = struct{}{}
	}
	var shared []string
	for _, m := range b {
		if _, ok := set[m]; ok {
			shared = append(shared, m)
			delete(set, m)
		}
	}
	sort.Strings(shared)
	return shared
}

// NormalizeModels trims, drops empties and de-duplicates, preserving first occurrence order.
func NormalizeModels(models []string) []string {
	out := make([]string, 0, len(models))
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
