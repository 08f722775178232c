package venture

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Jinn-Network/jinn-node-sub004/internal/config"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the relational venture/template/schedule repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a PostgreSQL connection pool and verifies it.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(cfg config.DatabaseConfig) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migrations source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.URL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateVenture inserts a venture, assigning an id when absent.
func (s *Store) CreateVenture(ctx context.Context, v *Venture) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Invariants == nil {
		v.Invariants = []job.Invariant{}
	}

	query := `
		INSERT INTO ventures (id, name, workstream_id, invariants)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query,
		v.ID,
		v.Name,
		v.WorkstreamID,
		v.Invariants,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
}

// VentureByID retrieves a venture; nil when absent.
func (s *Store) VentureByID(ctx context.Context, id uuid.UUID) (*Venture, error) {
	query := `
		SELECT id, name, workstream_id, invariants, created_at, updated_at
		FROM ventures WHERE id = $1`

	var v Venture
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&v.ID,
		&v.Name,
		&v.WorkstreamID,
		&v.Invariants,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVentures retrieves all ventures, newest first.
func (s *Store) ListVentures(ctx context.Context) ([]*Venture, error) {
	query := `
		SELECT id, name, workstream_id, invariants, created_at, updated_at
		FROM ventures
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ventures []*Venture
	for rows.Next() {
		var v Venture
		if err := rows.Scan(
			&v.ID,
			&v.Name,
			&v.WorkstreamID,
			&v.Invariants,
			&v.CreatedAt,
			&v.UpdatedAt,
		); err != nil {
			return nil, err
		}
		ventures = append(ventures, &v)
	}
	return ventures, rows.Err()
}

// UpdateVenture rewrites a venture's name, workstream and invariants.
func (s *Store) UpdateVenture(ctx context.Context, v *Venture) error {
	if err := v.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE ventures
		SET name = $2, workstream_id = $3, invariants = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := s.pool.QueryRow(ctx, query, v.ID, v.Name, v.WorkstreamID, v.Invariants).Scan(&v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	return err
}

// DeleteVenture removes a venture and, by cascade, its templates and
// schedule entries.
func (s *Store) DeleteVenture(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM ventures WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateTemplate inserts a template, assigning an id when absent.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Inputs == nil {
		t.Inputs = map[string]any{}
	}
	if t.EnabledTools == nil {
		t.EnabledTools = []string{}
	}
	if t.RequiredTools == nil {
		t.RequiredTools = []string{}
	}

	query := `
		INSERT INTO templates (id, venture_id, name, blueprint, enabled_tools, required_tools, model, inputs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query,
		t.ID,
		t.VentureID,
		t.Name,
		t.Blueprint,
		t.EnabledTools,
		t.RequiredTools,
		t.Model,
		t.Inputs,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// TemplateByID retrieves a template; nil when absent.
func (s *Store) TemplateByID(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `
		SELECT id, venture_id, name, blueprint, enabled_tools, required_tools, model, inputs, created_at, updated_at
		FROM templates WHERE id = $1`

	var t Template
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.VentureID,
		&t.Name,
		&t.Blueprint,
		&t.EnabledTools,
		&t.RequiredTools,
		&t.Model,
		&t.Inputs,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates retrieves a venture's templates, newest first.
func (s *Store) ListTemplates(ctx context.Context, ventureID uuid.UUID) ([]*Template, error) {
	query := `
		SELECT id, venture_id, name, blueprint, enabled_tools, required_tools, model, inputs, created_at, updated_at
		FROM templates
		WHERE venture_id = $1
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, ventureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(
			&t.ID,
			&t.VentureID,
			&t.Name,
			&t.Blueprint,
			&t.EnabledTools,
			&t.RequiredTools,
			&t.Model,
			&t.Inputs,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

// UpdateTemplate rewrites a template's content fields.
func (s *Store) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
		UPDATE templates
		SET name = $2, blueprint = $3, enabled_tools = $4, required_tools = $5, model = $6, inputs = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := s.pool.QueryRow(ctx, query,
		t.ID, t.Name, t.Blueprint, t.EnabledTools, t.RequiredTools, t.Model, t.Inputs,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	return err
}

// DeleteTemplate removes a template and its schedule entries.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateScheduleEntry inserts a schedule entry, assigning an id when
// absent. NextDueAt defaults to now for immediately-due entries.
func (s *Store) CreateScheduleEntry(ctx context.Context, e *ScheduleEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.NextDueAt.IsZero() {
		e.NextDueAt = time.Now()
	}
	if e.Inputs == nil {
		e.Inputs = map[string]any{}
	}

	query := `
		INSERT INTO schedule_entries (id, venture_id, template_id, interval_seconds, next_due_at, inputs, deterministic, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query,
		e.ID,
		e.VentureID,
		e.TemplateID,
		int64(e.Interval/time.Second),
		e.NextDueAt,
		e.Inputs,
		e.Deterministic,
		e.Enabled,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

// ListScheduleEntries retrieves a venture's schedule entries by due time.
func (s *Store) ListScheduleEntries(ctx context.Context, ventureID uuid.UUID) ([]ScheduleEntry, error) {
	query := scheduleColumns + `
		WHERE venture_id = $1
		ORDER BY next_due_at ASC`

	rows, err := s.pool.Query(ctx, query, ventureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduleEntries(rows)
}

// DueScheduleEntries retrieves the enabled entries due at or before now,
// oldest due first.
func (s *Store) DueScheduleEntries(ctx context.Context, now time.Time, limit int) ([]ScheduleEntry, error) {
	query := scheduleColumns + `
		WHERE enabled AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduleEntries(rows)
}

// MarkDispatched records a dispatch: last run time, the next due slot,
// and whether the entry stays enabled (one-shots do not).
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, ranAt, nextDue time.Time, keepEnabled bool) error {
	query := `
		UPDATE schedule_entries
		SET last_run_at = $2, next_due_at = $3, enabled = $4, updated_at = now()
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, id, ranAt, nextDue, keepEnabled)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteScheduleEntry removes a schedule entry.
func (s *Store) DeleteScheduleEntry(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM schedule_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check that the store covers the scheduler's read surface.
var _ EntryStore = (*Store)(nil)

const scheduleColumns = `
	SELECT id, venture_id, template_id, interval_seconds, next_due_at, last_run_at, inputs, deterministic, enabled, created_at, updated_at
	FROM schedule_entries`

func scanScheduleEntries(rows pgx.Rows) ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	for rows.Next() {
		var (
			e       ScheduleEntry
			seconds int64
		)
		if err := rows.Scan(
			&e.ID,
			&e.VentureID,
			&e.TemplateID,
			&seconds,
			&e.NextDueAt,
			&e.LastRunAt,
			&e.Inputs,
			&e.Deterministic,
			&e.Enabled,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Interval = time.Duration(seconds) * time.Second
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
