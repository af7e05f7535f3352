package payroll

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Reference issue reasons.
const (
	RefUnknown       = "unknown"          // neither a concept nor a context field
	RefNotInStruct   = "not-in-structure" // concept exists but no rule computes it
	RefNotYetDone    = "not-yet-computed" // computed at the same or a higher priority
	RefSelfReference = "self-reference"
)

// maxSuggestionDistance is the largest edit distance offered as a
// "did you mean".
const maxSuggestionDistance = 3

// ContextFields are the employee context fields a run supplies. Rules may
// use them as base references.
var ContextFields = []string{
	"baseSalary", "baseAmount", "benefitsTotal", "deductionsTotal", "scheduleHours",
}

// ReferenceIssue is a base reference that will not resolve during a run.
type ReferenceIssue struct {
	RuleID      string
	ConceptID   string
	Priority    int
	Reference   string
	Reason      string
	Suggestions []string
}

// CheckReferences reports, for every active rule of a structure, the base
// references that cannot resolve from an earlier rule or a context field.
func (m *Manager) CheckReferences(ctx context.Context, tenantID, structureID string) ([]ReferenceIssue, error) {
	s, err := m.store.GetStructure(ctx, tenantID, structureID)
	if err != nil {
		return nil, err
	}
	return m.referenceIssues(ctx, m.store, s)
}

func (m *Manager) referenceIssues(ctx context.Context, st Store, s Structure) ([]ReferenceIssue, error) {
	rules, err := st.ListRules(ctx, s.TenantID, s.ID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	concepts, err := st.ListConcepts(ctx, s.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	return FindReferenceIssues(rules, concepts, ContextFields), nil
}

func (m *Manager) checkReferencesStrict(ctx context.Context, tx Store, s Structure) error {
	issues, err := m.referenceIssues(ctx, tx, s)
	if err != nil {
		return err
	}
	var blocking []ReferenceIssue
	for _, is := range issues {
		// Self references are skipped by the engine and never block.
		if is.Reason != RefSelfReference {
			blocking = append(blocking, is)
		}
	}
	if len(blocking) > 0 {
		return &ReferenceError{StructureID: s.ID, Issues: blocking}
	}
	return nil
}

// FindReferenceIssues checks rules against the tenant's concepts and the
// known context fields.
func FindReferenceIssues(rules []Rule, concepts []Concept, contextFields []string) []ReferenceIssue {
	byID := make(map[string]Concept, len(concepts))
	byCode := make(map[string]Concept, len(concepts))
	candidates := make([]string, 0, len(concepts)+len(contextFields))
	for _, c := range concepts {
		byID[c.ID] = c
		byCode[c.Code] = c
		candidates = append(candidates, c.Code)
	}
	fields := make(map[string]bool, len(contextFields))
	for _, f := range contextFields {
		fields[f] = true
		candidates = append(candidates, f)
	}

	// Lowest priority at which each concept is computed.
	computedAt := make(map[string]int)
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if p, ok := computedAt[r.ConceptID]; !ok || r.Priority < p {
			computedAt[r.ConceptID] = r.Priority
		}
	}

	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	var issues []ReferenceIssue
	for _, r := range sorted {
		if !r.IsActive {
			continue
		}
		own := byID[r.ConceptID]
		for _, ref := range r.BaseConceptCodes {
			issue := ReferenceIssue{RuleID: r.ID, ConceptID: r.ConceptID, Priority: r.Priority, Reference: ref}
			if isSelfReference(Rule{ConceptID: r.ConceptID, BaseConceptCodes: []string{ref}}, own) {
				issue.Reason = RefSelfReference
				issues = append(issues, issue)
				continue
			}

			raw := strings.TrimSpace(ref)
			n := stripConceptPrefix(raw)
			c, ok := byID[n]
			if !ok {
				c, ok = byCode[n]
			}
			if !ok {
				if fields[raw] || fields[n] {
					continue
				}
				issue.Reason = RefUnknown
				issue.Suggestions = closest(n, candidates)
				issues = append(issues, issue)
				continue
			}

			p, computed := computedAt[c.ID]
			switch {
			case !computed:
				issue.Reason = RefNotInStruct
			case p >= r.Priority:
				issue.Reason = RefNotYetDone
			default:
				continue
			}
			issues = append(issues, issue)
		}
	}
	return issues
}

// closest returns up to three candidates within maxSuggestionDistance of
// ref, nearest first.
func closest(ref string, candidates []string) []string {
	type scored struct {
		value string
		dist  int
	}
	lower := strings.ToLower(ref)
	seen := make(map[string]bool)
	var out []scored
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		d := levenshtein.ComputeDistance(lower, strings.ToLower(c))
		if d <= maxSuggestionDistance {
			out = append(out, scored{c, d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].value < out[j].value
	})
	if len(out) > 3 {
		out = out[:3]
	}
	res := make([]string, len(out))
	for i, s := range out {
		res[i] = s.value
	}
	return res
}
