package payroll

import (
	"math"
	"sort"
)

// StructureUsage is how many employees of a run one structure covered.
type StructureUsage struct {
	StructureID   string
	Version       int
	Name          string
	PeriodType    PeriodType
	Roles         []string
	Departments   []string
	ContractTypes []string
	Employees     int
}

// StructureSummary describes structure coverage of a run. Structured plus
// legacy employees always equal TotalEmployees.
type StructureSummary struct {
	TotalEmployees      int
	StructuredEmployees int
	LegacyEmployees     int
	CoveragePercent     int
	Structures          []StructureUsage
}

// BuildStructureSummary groups computed employees by the structure that
// covered them. Structures are ordered by employee count, descending.
func BuildStructureSummary(results []EmployeeResult, structures map[string]Structure) StructureSummary {
	sum := StructureSummary{TotalEmployees: len(results), Structures: []StructureUsage{}}
	usage := make(map[string]*StructureUsage)
	for _, r := range results {
		if !r.UsedStructure {
			sum.LegacyEmployees++
			continue
		}
		sum.StructuredEmployees++
		u, ok := usage[r.StructureID]
		if !ok {
			s := structures[r.StructureID]
			u = &StructureUsage{
				StructureID:   r.StructureID,
				Version:       r.StructureVersion,
				Name:          s.Name,
				PeriodType:    s.PeriodType,
				Roles:         nonNil(s.Roles),
				Departments:   nonNil(s.Departments),
				ContractTypes: nonNil(s.ContractTypes),
			}
			usage[r.StructureID] = u
		}
		u.Employees++
	}
	if sum.TotalEmployees > 0 {
		sum.CoveragePercent = int(math.Round(float64(sum.StructuredEmployees) * 100 / float64(sum.TotalEmployees)))
	}
	for _, u := range usage {
		sum.Structures = append(sum.Structures, *u)
	}
	sort.Slice(sum.Structures, func(i, j int) bool {
		a, b := sum.Structures[i], sum.Structures[j]
		if a.Employees != b.Employees {
			return a.Employees > b.Employees
		}
		return a.StructureID < b.StructureID
	})
	return sum
}

// EnsureCoverage blocks period close unless every computed employee was
// covered by a structure.
func EnsureCoverage(s StructureSummary) error {
	if s.LegacyEmployees > 0 || s.CoveragePercent < 100 {
		return &CoverageError{CoveragePercent: s.CoveragePercent, LegacyEmployees: s.LegacyEmployees}
	}
	return nil
}
