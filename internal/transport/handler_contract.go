package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/steward/internal/contract"
	"github.com/pitabwire/steward/model"
)

func handleCreateContract(manager *contract.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ectx := model.ExecutionContextFrom(r.Context())
		if ectx == nil {
			WriteError(w, model.NewUnauthorizedError("missing execution context"))
			return
		}

		var in contract.CreateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
		// The contract is always created in the caller's tenant.
		in.TenantID = ectx.TenantID

		id, err := manager.CreateBoundaryContract(r.Context(), in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"contract_id": id})
	}
}

func handleGetContract(manager *contract.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ectx := model.ExecutionContextFrom(r.Context())
		if ectx == nil {
			WriteError(w, model.NewUnauthorizedError("missing execution context"))
			return
		}

		sourceType := r.URL.Query().Get("source_type")
		sourceID := r.URL.Query().Get("source_id")
		if sourceType == "" || sourceID == "" {
			WriteBadRequest(w, "source_type and source_id query parameters are required")
			return
		}

		c, err := manager.GetBoundaryContract(r.Context(), ectx.TenantID, sourceType, sourceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleRecordFact(manager *contract.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ectx := model.ExecutionContextFrom(r.Context())
		if ectx == nil {
			WriteError(w, model.NewUnauthorizedError("missing execution context"))
			return
		}

		var body struct {
			SourceType   string         `json:"external_source_type"`
			SourceFileID string         `json:"source_file_id"`
			Body         map[string]any `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		id, err := manager.RecordFact(r.Context(), ectx.TenantID, body.SourceType, body.SourceFileID, body.Body)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"fact_id": id})
	}
}
