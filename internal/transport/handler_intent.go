package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/steward/internal/routing"
	"github.com/pitabwire/steward/model"
)

func handleIntent(router *routing.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ectx := model.ExecutionContextFrom(r.Context())
		if ectx == nil {
			WriteError(w, model.NewUnauthorizedError("missing execution context"))
			return
		}

		var intent model.Intent
		if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		// Tenancy and caller identity come from the verified token, never
		// from the request body.
		intent.TenantID = ectx.TenantID
		intent.CallerID = ectx.CallerID

		// A client-supplied correlation ID is an idempotency key. Only honor
		// one the client actually sent; the generated request ID must not
		// turn every submission into a retry candidate.
		if intent.CorrelationID == "" {
			intent.CorrelationID = r.Header.Get("X-Correlation-Id")
		}

		result, err := router.Route(r.Context(), intent)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
