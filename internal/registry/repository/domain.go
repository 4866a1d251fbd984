package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/changerawr/domains/internal/registry/model"
)

var (
	// ErrDomainNotFound is returned when a custom domain is not found.
	ErrDomainNotFound = errors.New("custom domain not found")
	// ErrDomainExists is returned when the hostname is already attached to a project.
	ErrDomainExists = errors.New("custom domain already exists")
	// ErrProjectLimit is returned by Create when the project is already at its domain limit.
	ErrProjectLimit = errors.New("project domain limit reached")
	// ErrStaleDomain is returned by UpdateVerification when the row's status
	// changed after it was loaded.
	ErrStaleDomain = errors.New("custom domain changed concurrently")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const domainColumns = `id, project_id, domain, verification_token, status,
	last_checked_at, last_errors, verified_at, created_at, updated_at`

// DomainRepository provides persistence for custom domains against PostgreSQL.
type DomainRepository struct {
	db *pgxpool.Pool
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(db *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{db: db}
}

// Create inserts a new custom domain unless the project already has
// maxPerProject domains, in which case it returns ErrProjectLimit. A zero
// maxPerProject disables the limit. ID and timestamps are assigned here.
func (r *DomainRepository) Create(ctx context.Context, d *model.CustomDomain, maxPerProject int) error {
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DomainStatusPending
	}
	if d.LastErrors == nil {
		d.LastErrors = []string{}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise inserts per project so the count below stays accurate.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", d.ProjectID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM custom_domains WHERE project_id = $1`, d.ProjectID,
	).Scan(&n); err != nil {
		return fmt.Errorf("count custom domains: %w", err)
	}
	if maxPerProject > 0 && n >= maxPerProject {
		return ErrProjectLimit
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO custom_domains (id, project_id, domain, verification_token, status,
		                             last_errors, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ProjectID, d.Domain, d.VerificationToken, string(d.Status),
		d.LastErrors, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDomainExists
		}
		return fmt.Errorf("insert custom domain: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit custom domain: %w", err)
	}
	return nil
}

// GetByID returns a custom domain by its UUID.
func (r *DomainRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, err := r.scanOne(ctx, `SELECT `+domainColumns+` FROM custom_domains WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get custom domain: %w", err)
	}
	return d, nil
}

// GetByDomain returns a custom domain by its normalised hostname.
func (r *DomainRepository) GetByDomain(ctx context.Context, domain string) (*model.CustomDomain, error) {
	d, err := r.scanOne(ctx, `SELECT `+domainColumns+` FROM custom_domains WHERE domain = $1`, domain)
	if err != nil {
		return nil, fmt.Errorf("get custom domain by name: %w", err)
	}
	return d, nil
}

// ListByProject returns every domain attached to a project, oldest first.
func (r *DomainRepository) ListByProject(ctx context.Context, projectID string) ([]*model.CustomDomain, error) {
	return r.list(ctx,
		`SELECT `+domainColumns+` FROM custom_domains
		 WHERE project_id = $1
		 ORDER BY created_at ASC`, projectID)
}

// ListPending returns up to limit PENDING domains, least recently checked first.
func (r *DomainRepository) ListPending(ctx context.Context, limit int) ([]*model.CustomDomain, error) {
	if limit <= 0 {
		limit = 200
	}
	return r.list(ctx,
		`SELECT `+domainColumns+` FROM custom_domains
		 WHERE status = $1
		 ORDER BY last_checked_at ASC NULLS FIRST, created_at ASC
		 LIMIT $2`, string(model.DomainStatusPending), limit)
}

// CountByStatus returns the number of domains in each status.
func (r *DomainRepository) CountByStatus(ctx context.Context) (map[model.DomainStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM custom_domains GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count custom domains by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DomainStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.DomainStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpdateVerification persists the outcome of a verification attempt. The
// write only applies while the row still has status from, the status the
// caller loaded. Otherwise it returns ErrStaleDomain, or ErrDomainNotFound
// when the row is gone.
func (r *DomainRepository) UpdateVerification(ctx context.Context, d *model.CustomDomain, from model.DomainStatus) error {
	d.UpdatedAt = time.Now().UTC()
	if d.LastErrors == nil {
		d.LastErrors = []string{}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE custom_domains
		 SET status = $2, last_checked_at = $3, last_errors = $4, verified_at = $5, updated_at = $6
		 WHERE id = $1 AND status = $7`,
		d.ID, string(d.Status), d.LastCheckedAt, d.LastErrors, d.VerifiedAt, d.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("update custom domain verification: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM custom_domains WHERE id = $1)`, d.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check custom domain: %w", err)
	}
	if !exists {
		return ErrDomainNotFound
	}
	return ErrStaleDomain
}

// MarkExpired moves every PENDING domain created before cutoff to FAILED and
// returns the affected rows.
func (r *DomainRepository) MarkExpired(ctx context.Context, cutoff time.Time) ([]*model.CustomDomain, error) {
	return r.list(ctx,
		`UPDATE custom_domains
		 SET status = $1, updated_at = now()
		 WHERE status = $2 AND created_at < $3
		 RETURNING `+domainColumns,
		string(model.DomainStatusFailed), string(model.DomainStatusPending), cutoff)
}

// Delete permanently removes a custom domain.
func (r *DomainRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM custom_domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete custom domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDomainNotFound
	}
	return nil
}

func (r *DomainRepository) list(ctx context.Context, query string, args ...any) ([]*model.CustomDomain, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CustomDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DomainRepository) scanOne(ctx context.Context, query string, args ...any) (*model.CustomDomain, error) {
	d, err := scanDomain(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, err
	}
	return d, nil
}

// scanDomain reads one row in domainColumns order.
func scanDomain(row pgx.Row) (*model.CustomDomain, error) {
	var d model.CustomDomain
	var status string
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.Domain, &d.VerificationToken, &status,
		&d.LastCheckedAt, &d.LastErrors, &d.VerifiedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = model.DomainStatus(status)
	if d.LastErrors == nil {
		d.LastErrors = []string{}
	}
	return &d, nil
}
