package model

import "time"

// Boundary contract status constants.
const (
	ContractStatusActive  = "active"
	ContractStatusExpired = "expired"
)

// BoundaryContract bounds the validity window of externally sourced data.
// Created when external data is first materialized into the platform;
// mutated only by the expiration sweep (active → expired) or explicit
// update; never deleted (retained for audit).
type BoundaryContract struct {
	ContractID               string     `json:"contract_id"`
	TenantID                 string     `json:"tenant_id"`
	ExternalSourceType       string     `json:"external_source_type"`
	ExternalSourceIdentifier string     `json:"external_source_identifier"`
	MaterializationExpiresAt time.Time  `json:"materialization_expires_at"`
	Status                   string     `json:"status"`
	CreatedAt                time.Time  `json:"created_at"`
	ExpiredAt                *time.Time `json:"expired_at,omitempty"`
	// FactsSweptAt is stamped after derived records of fact were marked
	// expired. A contract expired with FactsSweptAt unset means the sweep
	// cycle was interrupted; the next cycle reconciles it.
	FactsSweptAt *time.Time `json:"facts_swept_at,omitempty"`
}

// Active reports whether the contract still bounds valid data at the given
// instant.
func (c BoundaryContract) Active(now time.Time) bool {
	return c.Status == ContractStatusActive && now.Before(c.MaterializationExpiresAt)
}

// RecordOfFact is a durable fact derived from boundary-contract-governed
// data. SourceExpiredAt is set if and only if the originating contract has
// status expired.
type RecordOfFact struct {
	FactID          string         `json:"fact_id"`
	TenantID        string         `json:"tenant_id"`
	SourceFileID    string         `json:"source_file_id"`
	Body            map[string]any `json:"body,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	SourceExpiredAt *time.Time     `json:"source_expired_at,omitempty"`
}
