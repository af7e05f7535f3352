package payroll

import (
	"sort"
	"strings"
)

// WildcardKey is the key of an empty applicability set.
const WildcardKey = "*"

// Scope is the raw applicability of a structure.
type Scope struct {
	Roles         []string
	Departments   []string
	ContractTypes []string
}

// ScopeMetadata is a normalized scope plus its canonical keys.
type ScopeMetadata struct {
	Roles         []string
	Departments   []string
	ContractTypes []string

	RoleKey         string
	DepartmentKey   string
	ContractTypeKey string
	ScopeKey        string
}

// ComputeScope normalizes the three applicability sets and derives the scope
// key. Values are trimmed, empties dropped and duplicates removed
// case-insensitively, keeping the first-seen casing. Two scopes that differ
// only in order, case or duplicates produce the same key.
func ComputeScope(s Scope) ScopeMetadata {
	roles := normalizeList(s.Roles)
	departments := normalizeList(s.Departments)
	contractTypes := normalizeList(s.ContractTypes)

	m := ScopeMetadata{
		Roles:           roles,
		Departments:     departments,
		ContractTypes:   contractTypes,
		RoleKey:         listKey(roles),
		DepartmentKey:   listKey(departments),
		ContractTypeKey: listKey(contractTypes),
	}
	m.ScopeKey = m.RoleKey + "#" + m.DepartmentKey + "#" + m.ContractTypeKey
	return m
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func listKey(values []string) string {
	if len(values) == 0 {
		return WildcardKey
	}
	lower := make([]string, len(values))
	for i, v := range values {
		lower[i] = strings.ToLower(v)
	}
	sort.Strings(lower)
	return strings.Join(lower, "|")
}
