package transport

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/steward/internal/journey"
	"github.com/pitabwire/steward/internal/soa"
	"github.com/pitabwire/steward/model"
)

// solutionSummary is the list-view projection of a solution definition.
type solutionSummary struct {
	Solution string `json:"solution"`
	Version  string `json:"version"`
	Journeys int    `json:"journeys"`
}

func handleListSolutions(registry *journey.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := registry.AllSolutions()
		summaries := make([]solutionSummary, 0, len(defs))
		for _, def := range defs {
			summaries = append(summaries, solutionSummary{
				Solution: def.Solution,
				Version:  def.Version,
				Journeys: len(def.Journeys),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": summaries})
	}
}

func handleListAPIs(registry *journey.Registry, deriver *soa.Deriver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		solutionID := chi.URLParam(r, "solutionID")

		def, ok := registry.GetSolution(solutionID)
		if !ok {
			WriteError(w, model.NewNotFoundError("solution "+solutionID+" not found"))
			return
		}

		apis, err := deriver.DeriveAPIs(def)
		if err != nil {
			WriteError(w, err)
			return
		}

		descriptors := make([]model.SOAAPIDescriptor, 0, len(apis))
		for _, d := range apis {
			descriptors = append(descriptors, d)
		}
		sort.Slice(descriptors, func(i, j int) bool {
			return descriptors[i].Name < descriptors[j].Name
		})
		WriteJSON(w, http.StatusOK, map[string]any{"data": descriptors})
	}
}
