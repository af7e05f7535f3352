package payroll

import (
	"sort"
	"strings"
)

// MatchFilters describe the employee being matched.
type MatchFilters struct {
	Role         string
	Department   string
	ContractType string
}

// MatchResult is a successful match.
type MatchResult struct {
	Roles         bool
	Departments   bool
	ContractTypes bool
	// Score counts the declared dimensions that matched. Open-scope
	// structures match with score 0.
	Score int
}

// Match reports whether the structure covers the filters. Empty dimensions
// are wildcards; a declared dimension needs a present filter value that is a
// case-insensitive member of the set.
func Match(s Structure, f MatchFilters) (MatchResult, bool) {
	var res MatchResult
	var ok bool

	if res.Roles, ok = matchDimension(s.Roles, f.Role); !ok {
		return MatchResult{}, false
	}
	if res.Departments, ok = matchDimension(s.Departments, f.Department); !ok {
		return MatchResult{}, false
	}
	if res.ContractTypes, ok = matchDimension(s.ContractTypes, f.ContractType); !ok {
		return MatchResult{}, false
	}
	for _, m := range []bool{res.Roles, res.Departments, res.ContractTypes} {
		if m {
			res.Score++
		}
	}
	return res, true
}

// matchDimension returns (matched, ok). A wildcard dimension is ok but does
// not count as matched.
func matchDimension(declared []string, value string) (bool, bool) {
	if len(declared) == 0 {
		return false, true
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false, false
	}
	for _, d := range declared {
		if strings.EqualFold(strings.TrimSpace(d), value) {
			return true, true
		}
	}
	return false, false
}

// =============================================================================
// SUGGESTIONS
// =============================================================================

// SuggestOptions tune Suggest.
type SuggestOptions struct {
	IncludeInactive bool
	// IncludeFallback adds open-scope structures after explicit matches.
	// Nil means true.
	IncludeFallback *bool
	// Limit caps the result. Zero means DefaultSuggestionLimit.
	Limit int
}

// DefaultSuggestionLimit is used when SuggestOptions.Limit is zero.
const DefaultSuggestionLimit = 5

// Suggestion is a ranked candidate structure.
type Suggestion struct {
	Structure  Structure
	Match      MatchResult
	Score      int // -1 for fallback candidates
	IsFallback bool
}

// SuggestionResult is the response of Suggest.
type SuggestionResult struct {
	Filters     MatchFilters
	Total       int
	Suggestions []Suggestion
}

// Suggest ranks the structures that cover the filters. Explicit matches come
// first by descending score, ties broken by most recently updated. Open-scope
// structures are fallback candidates and always rank after explicit matches.
func Suggest(structures []Structure, f MatchFilters, opts SuggestOptions) SuggestionResult {
	includeFallback := opts.IncludeFallback == nil || *opts.IncludeFallback
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}

	var out []Suggestion
	for _, s := range structures {
		if !s.IsActive && !opts.IncludeInactive {
			continue
		}
		if s.HasOpenScope() {
			// Only active open-scope structures may act as a fallback.
			if includeFallback && s.IsActive {
				out = append(out, Suggestion{Structure: s, Score: -1, IsFallback: true})
			}
			continue
		}
		m, ok := Match(s, f)
		if !ok {
			continue
		}
		out = append(out, Suggestion{Structure: s, Match: m, Score: m.Score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsFallback != b.IsFallback {
			return !a.IsFallback
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Structure.UpdatedAt.After(b.Structure.UpdatedAt)
	})

	total := len(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return SuggestionResult{Filters: f, Total: total, Suggestions: out}
}

// BestStructure returns the top active suggestion, including open-scope
// fallbacks, or false when nothing covers the filters.
func BestStructure(structures []Structure, f MatchFilters) (Structure, bool) {
	res := Suggest(structures, f, SuggestOptions{Limit: 1})
	if len(res.Suggestions) == 0 {
		return Structure{}, false
	}
	return res.Suggestions[0].Structure, true
}
