package journey

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/steward/model"
)

// snapshot is an immutable collection of all solution definitions indexed for
// fast lookup.
type snapshot struct {
	solutions map[string]model.SolutionDefinition
	journeys  map[string]model.JourneyDefinition
	byJourney map[string][]string
	checksum  string
}

func journeyKey(solutionID, journeyID string) string {
	return solutionID + "/" + journeyID
}

// Registry is a read-optimized, thread-safe store of all loaded solution
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.SolutionDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. In-flight executions keep the snapshot they
// started with.
func (r *Registry) Replace(defs []model.SolutionDefinition) {
	s := &snapshot{
		solutions: make(map[string]model.SolutionDefinition, len(defs)),
		journeys:  make(map[string]model.JourneyDefinition),
		byJourney: make(map[string][]string),
	}

	var checksumParts []string
	for _, def := range defs {
		s.solutions[def.Solution] = def
		checksumParts = append(checksumParts, def.Checksum)

		for _, j := range def.Journeys {
			s.journeys[journeyKey(def.Solution, j.ID)] = j
			s.byJourney[j.ID] = append(s.byJourney[j.ID], def.Solution)
		}
	}
	for _, ids := range s.byJourney {
		sort.Strings(ids)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetSolution returns the solution definition with the given ID.
func (r *Registry) GetSolution(solutionID string) (model.SolutionDefinition, bool) {
	d, ok := r.current().solutions[solutionID]
	return d, ok
}

// GetJourney returns one journey definition within a solution.
func (r *Registry) GetJourney(solutionID, journeyID string) (model.JourneyDefinition, bool) {
	j, ok := r.current().journeys[journeyKey(solutionID, journeyID)]
	return j, ok
}

// SolutionsFor returns the IDs of every solution declaring a journey with the
// given ID, sorted. Callers addressing a journey without naming its solution
// use this to resolve the target, failing on ambiguity.
func (r *Registry) SolutionsFor(journeyID string) []string {
	return r.current().byJourney[journeyID]
}

// AllSolutions returns all solution definitions sorted by ID.
func (r *Registry) AllSolutions() []model.SolutionDefinition {
	s := r.current()
	defs := make([]model.SolutionDefinition, 0, len(s.solutions))
	for _, d := range s.solutions {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Solution < defs[j].Solution })
	return defs
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
