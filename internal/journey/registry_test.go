package journey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/steward/model"
)

func TestRegistry_lookupAndReplace(t *testing.T) {
	reg := NewRegistry([]model.SolutionDefinition{
		{
			Solution: "orders",
			Version:  "1.0.0",
			Checksum: "c1",
			Journeys: []model.JourneyDefinition{
				{ID: "checkout", Name: "Checkout", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
			},
		},
		{
			Solution: "billing",
			Version:  "1.0.0",
			Checksum: "c2",
			Journeys: []model.JourneyDefinition{
				{ID: "invoice", Name: "Invoice", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
			},
		},
	})

	if _, ok := reg.GetSolution("orders"); !ok {
		t.Error("orders solution not found")
	}
	if _, ok := reg.GetJourney("orders", "checkout"); !ok {
		t.Error("orders/checkout not found")
	}
	if _, ok := reg.GetJourney("billing", "checkout"); ok {
		t.Error("journey resolved under the wrong solution")
	}

	all := reg.AllSolutions()
	if len(all) != 2 || all[0].Solution != "billing" || all[1].Solution != "orders" {
		t.Errorf("AllSolutions = %v, want sorted [billing orders]", all)
	}

	before := reg.Checksum()
	reg.Replace([]model.SolutionDefinition{{
		Solution: "orders",
		Version:  "2.0.0",
		Checksum: "c3",
		Journeys: []model.JourneyDefinition{
			{ID: "checkout", Name: "Checkout v2", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
		},
	}})
	if reg.Checksum() == before {
		t.Error("checksum unchanged after replace")
	}
	if _, ok := reg.GetSolution("billing"); ok {
		t.Error("billing should be gone after replace")
	}
	j, ok := reg.GetJourney("orders", "checkout")
	if !ok || j.Name != "Checkout v2" {
		t.Errorf("journey after replace = %+v", j)
	}
}

func TestRegistry_solutionsFor(t *testing.T) {
	reg := NewRegistry([]model.SolutionDefinition{
		{
			Solution: "orders",
			Version:  "1.0.0",
			Checksum: "c1",
			Journeys: []model.JourneyDefinition{
				{ID: "checkout", Name: "Checkout", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
				{ID: "refund", Name: "Refund", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
			},
		},
		{
			Solution: "billing",
			Version:  "1.0.0",
			Checksum: "c2",
			Journeys: []model.JourneyDefinition{
				{ID: "checkout", Name: "Checkout", Steps: []model.StepDefinition{{ID: "s1", Service: "svc"}}},
			},
		},
	})

	got := reg.SolutionsFor("checkout")
	if len(got) != 2 || got[0] != "billing" || got[1] != "orders" {
		t.Errorf("SolutionsFor(checkout) = %v, want sorted [billing orders]", got)
	}
	if got := reg.SolutionsFor("refund"); len(got) != 1 || got[0] != "orders" {
		t.Errorf("SolutionsFor(refund) = %v, want [orders]", got)
	}
	if got := reg.SolutionsFor("ghost"); len(got) != 0 {
		t.Errorf("SolutionsFor(ghost) = %v, want empty", got)
	}
}

const sampleSolutionYAML = `solution: orders
version: "1.0.0"
journeys:
  - id: checkout
    name: Checkout
    intents: [execute, simulate]
    steps:
      - id: reserve
        service: inventory
        gates:
          - type: access
            resource_id: inventory
            action: reserve
      - id: settle
        service: payments
        when: 'params.amount > 0'
    operations:
      - name: place_order
        description: Places an order.
        input_schema:
          type: object
          properties:
            amount:
              type: number
`

func TestLoader_loadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.yaml")
	if err := os.WriteFile(path, []byte(sampleSolutionYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loader := NewLoader()
	def, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if def.Solution != "orders" {
		t.Errorf("solution = %q, want orders", def.Solution)
	}
	if def.Checksum == "" || def.SourceFile != path {
		t.Errorf("checksum/source not recorded: %q %q", def.Checksum, def.SourceFile)
	}
	if len(def.Journeys) != 1 {
		t.Fatalf("journeys = %d, want 1", len(def.Journeys))
	}
	j := def.Journeys[0]
	if !j.SupportsIntent("simulate") || j.SupportsIntent("destroy") {
		t.Error("intent declarations not parsed")
	}
	if j.Steps[0].Gates[0].Type != model.GateAccess {
		t.Errorf("gate type = %q, want access", j.Steps[0].Gates[0].Type)
	}
	if j.Operations[0].InputSchema["type"] != "object" {
		t.Errorf("input schema not parsed: %v", j.Operations[0].InputSchema)
	}

	defs, err := loader.LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("LoadAll found %d definitions, want 1", len(defs))
	}
}
