package factory

import (
	"embed"
	"fmt"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// Scenario is a built-in demo bundle.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "standard-monthly",
		Name:        "Standard Monthly",
		Description: "One open-scope structure with base pay, transport allowance and social security",
	},
	{
		ID:          "role-scoped",
		Name:        "Role Scoped",
		Description: "Engineers get their own structure with a formula bonus, everyone else the default",
	},
	{
		ID:          "legacy-migration",
		Name:        "Legacy Migration",
		Description: "Only sales is on structures, other departments fall back to legacy concept calculations",
	},
}

// Scenarios lists the built-in demo bundles.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// LoadScenario parses the bundle of a built-in scenario.
func LoadScenario(id string) (Bundle, error) {
	for _, s := range scenarios {
		if s.ID != id {
			continue
		}
		data, err := scenarioFS.ReadFile("scenarios/" + id + ".yaml")
		if err != nil {
			return Bundle{}, fmt.Errorf("read scenario %s: %w", id, err)
		}
		return Parse(data)
	}
	return Bundle{}, fmt.Errorf("unknown scenario: %s", id)
}
