package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/steward/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL contract store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new boundary contract.
func (s *PgStore) Create(ctx context.Context, c model.BoundaryContract) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO boundary_contracts (
			contract_id, tenant_id, external_source_type, external_source_identifier,
			materialization_expires_at, status, created_at, expired_at, facts_swept_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ContractID, c.TenantID, c.ExternalSourceType, c.ExternalSourceIdentifier,
		c.MaterializationExpiresAt, c.Status, c.CreatedAt, c.ExpiredAt, c.FactsSweptAt,
	)
	if err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("insert boundary contract: %v", err))
	}
	return nil
}

// Get retrieves the newest contract covering one external source.
func (s *PgStore) Get(ctx context.Context, tenantID, sourceType, sourceID string) (model.BoundaryContract, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT contract_id, tenant_id, external_source_type, external_source_identifier,
		       materialization_expires_at, status, created_at, expired_at, facts_swept_at
		FROM boundary_contracts
		WHERE tenant_id = $1 AND external_source_type = $2 AND external_source_identifier = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		tenantID, sourceType, sourceID,
	)
	c, err := scanContract(row)
	if err == pgx.ErrNoRows {
		return model.BoundaryContract{}, model.NewNotFoundError(fmt.Sprintf(
			"no boundary contract for %s/%s in tenant %s", sourceType, sourceID, tenantID,
		))
	}
	if err != nil {
		return model.BoundaryContract{}, model.NewInfrastructureError(fmt.Sprintf("query boundary contract: %v", err))
	}
	return c, nil
}

// GetByID retrieves a contract by ID.
func (s *PgStore) GetByID(ctx context.Context, contractID string) (model.BoundaryContract, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT contract_id, tenant_id, external_source_type, external_source_identifier,
		       materialization_expires_at, status, created_at, expired_at, facts_swept_at
		FROM boundary_contracts
		WHERE contract_id = $1`,
		contractID,
	)
	c, err := scanContract(row)
	if err == pgx.ErrNoRows {
		return model.BoundaryContract{}, model.NewNotFoundError(fmt.Sprintf("boundary contract %q not found", contractID))
	}
	if err != nil {
		return model.BoundaryContract{}, model.NewInfrastructureError(fmt.Sprintf("query boundary contract: %v", err))
	}
	return c, nil
}

// ListSweepable returns contracts the sweep must act on at the given time.
func (s *PgStore) ListSweepable(ctx context.Context, now time.Time) ([]model.BoundaryContract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract_id, tenant_id, external_source_type, external_source_identifier,
		       materialization_expires_at, status, created_at, expired_at, facts_swept_at
		FROM boundary_contracts
		WHERE (status = 'active' AND materialization_expires_at < $1)
		   OR (status = 'expired' AND facts_swept_at IS NULL)
		ORDER BY materialization_expires_at ASC`,
		now,
	)
	if err != nil {
		return nil, model.NewInfrastructureError(fmt.Sprintf("list sweepable contracts: %v", err))
	}
	defer rows.Close()

	var out []model.BoundaryContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, model.NewInfrastructureError(fmt.Sprintf("scan boundary contract: %v", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewInfrastructureError(fmt.Sprintf("list sweepable contracts: %v", err))
	}
	return out, nil
}

// MarkExpired performs the status-guarded active → expired transition.
// Concurrent sweepers racing on the same contract serialize on this update;
// only one observes rows affected.
func (s *PgStore) MarkExpired(ctx context.Context, contractID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE boundary_contracts
		SET status = 'expired', expired_at = $2
		WHERE contract_id = $1 AND status = 'active'`,
		contractID, now,
	)
	if err != nil {
		return false, model.NewInfrastructureError(fmt.Sprintf("mark contract expired: %v", err))
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFactsSwept stamps facts_swept_at.
func (s *PgStore) MarkFactsSwept(ctx context.Context, contractID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE boundary_contracts
		SET facts_swept_at = $2
		WHERE contract_id = $1`,
		contractID, now,
	)
	if err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("mark facts swept: %v", err))
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("boundary contract %q not found", contractID))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (model.BoundaryContract, error) {
	var c model.BoundaryContract
	err := row.Scan(
		&c.ContractID, &c.TenantID, &c.ExternalSourceType, &c.ExternalSourceIdentifier,
		&c.MaterializationExpiresAt, &c.Status, &c.CreatedAt, &c.ExpiredAt, &c.FactsSweptAt,
	)
	return c, err
}

// PgFactStore is a PostgreSQL-backed FactStore.
type PgFactStore struct {
	pool *pgxpool.Pool
}

// NewPgFactStore creates a new PostgreSQL fact store.
func NewPgFactStore(pool *pgxpool.Pool) *PgFactStore {
	return &PgFactStore{pool: pool}
}

// Put inserts a record of fact.
func (s *PgFactStore) Put(ctx context.Context, fact model.RecordOfFact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records_of_fact (
			fact_id, tenant_id, source_file_id, body, created_at, source_expired_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		fact.FactID, fact.TenantID, fact.SourceFileID, fact.Body, fact.CreatedAt, fact.SourceExpiredAt,
	)
	if err != nil {
		return model.NewInfrastructureError(fmt.Sprintf("insert record of fact: %v", err))
	}
	return nil
}

// ListBySource returns all facts derived from one source file.
func (s *PgFactStore) ListBySource(ctx context.Context, tenantID, sourceFileID string) ([]model.RecordOfFact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fact_id, tenant_id, source_file_id, body, created_at, source_expired_at
		FROM records_of_fact
		WHERE tenant_id = $1 AND source_file_id = $2
		ORDER BY fact_id ASC`,
		tenantID, sourceFileID,
	)
	if err != nil {
		return nil, model.NewInfrastructureError(fmt.Sprintf("list records of fact: %v", err))
	}
	defer rows.Close()

	var out []model.RecordOfFact
	for rows.Next() {
		var f model.RecordOfFact
		if err := rows.Scan(&f.FactID, &f.TenantID, &f.SourceFileID, &f.Body, &f.CreatedAt, &f.SourceExpiredAt); err != nil {
			return nil, model.NewInfrastructureError(fmt.Sprintf("scan record of fact: %v", err))
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewInfrastructureError(fmt.Sprintf("list records of fact: %v", err))
	}
	return out, nil
}

// MarkSourceExpired stamps unstamped facts and returns the updated count.
func (s *PgFactStore) MarkSourceExpired(ctx context.Context, tenantID, sourceFileID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE records_of_fact
		SET source_expired_at = $3
		WHERE tenant_id = $1 AND source_file_id = $2 AND source_expired_at IS NULL`,
		tenantID, sourceFileID, now,
	)
	if err != nil {
		return 0, model.NewInfrastructureError(fmt.Sprintf("mark facts source-expired: %v", err))
	}
	return int(tag.RowsAffected()), nil
}
