package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"edge_finder/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the schema. Enumerated columns carry CHECK constraints so
// the database rejects unknown values even from other writers.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		id UUID PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		search_query TEXT NOT NULL DEFAULT '',
		discovered_via TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'listing'
			CHECK (source_type IN ('listing', 'news', 'auction', 'foreclosure')),
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		source_history JSONB NOT NULL DEFAULT '[]',
		title TEXT NOT NULL DEFAULT '',
		location TEXT,
		description TEXT,
		price TEXT,
		bed_count INTEGER,
		acreage DOUBLE PRECISION,
		year_built INTEGER,
		nearest_airport TEXT,
		drive_time_minutes INTEGER,
		score INTEGER NOT NULL DEFAULT 50 CHECK (score BETWEEN 0 AND 100),
		ai_summary TEXT,
		image_url TEXT,
		funnel_stage TEXT NOT NULL DEFAULT 'discovered'
			CHECK (funnel_stage IN ('discovered', 'qualified', 'interesting', 'contacted', 'dismissed')),
		status TEXT NOT NULL DEFAULT 'New'
			CHECK (status IN ('New', 'Starred', 'Reviewed', 'Contacted', 'Passed', 'Archived')),
		verification_result TEXT NOT NULL DEFAULT 'pending'
			CHECK (verification_result IN ('available', 'sold', 'not_listing', 'invalid_url', 'pending', 'failed')),
		verification_reason TEXT,
		last_verified_at TIMESTAMPTZ,
		dismissed_reason TEXT
			CHECK (dismissed_reason IN ('already_sold', 'not_relevant', 'too_expensive', 'too_small',
				'wrong_location', 'not_a_listing', 'duplicate', 'other')),
		dismissed_pattern TEXT,
		is_new BOOLEAN NOT NULL DEFAULT TRUE,
		stage_history JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (funnel_stage <> 'dismissed' OR dismissed_reason IS NOT NULL)
	);

	CREATE TABLE IF NOT EXISTS dismissal_patterns (
		pattern_key TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		tokens TEXT[] NOT NULL,
		source_property UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_properties_stage ON properties(funnel_stage, discovered_at);
	CREATE INDEX IF NOT EXISTS idx_properties_status ON properties(status);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Properties
// =============================================================================

const propertyColumns = `id, url, search_query, discovered_via, source_type, discovered_at, source_history,
	title, location, description, price, bed_count, acreage, year_built, nearest_airport, drive_time_minutes,
	score, ai_summary, image_url, funnel_stage, status,
	verification_result, verification_reason, last_verified_at,
	dismissed_reason, dismissed_pattern, is_new, stage_history, created_at, updated_at`

func scanProperty(row pgx.Row, extra ...any) (*models.Property, error) {
	var p models.Property
	dest := []any{
		&p.ID, &p.URL, &p.SearchQuery, &p.DiscoveredVia, &p.SourceType, &p.DiscoveredAt, &p.SourceHistory,
		&p.Title, &p.Location, &p.Description, &p.Price, &p.BedCount, &p.Acreage, &p.YearBuilt, &p.NearestAirport, &p.DriveTimeMinutes,
		&p.Score, &p.AISummary, &p.ImageURL, &p.FunnelStage, &p.Status,
		&p.VerificationResult, &p.VerificationReason, &p.LastVerifiedAt,
		&p.DismissedReason, &p.DismissedPattern, &p.IsNew, &p.StageHistory, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(extra, dest...)...); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id)
	p, err := scanProperty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetByURL(ctx context.Context, url string) (*models.Property, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE url = $1`, url)
	p, err := scanProperty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get property by url: %w", err)
	}
	return p, nil
}

const insertProperty = `
	INSERT INTO properties (
		id, url, search_query, discovered_via, source_type, discovered_at, source_history,
		title, location, description, price, image_url, score,
		funnel_stage, status, verification_result, is_new, stage_history, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
	)`

func insertArgs(p *models.Property) []any {
	history, _ := json.Marshal(p.SourceHistory)
	stages, _ := json.Marshal(nonNilStages(p.StageHistory))
	return []any{
		p.ID, p.URL, p.SearchQuery, p.DiscoveredVia, string(p.SourceType), p.DiscoveredAt, string(history),
		p.Title, p.Location, p.Description, p.Price, p.ImageURL, models.ClampScore(p.Score),
		string(p.FunnelStage), string(p.Status), string(p.VerificationResult), p.IsNew, string(stages),
		p.CreatedAt, p.UpdatedAt,
	}
}

func nonNilStages(h []models.StageChange) []models.StageChange {
	if h == nil {
		return []models.StageChange{}
	}
	return h
}

func (s *PostgresStore) Insert(ctx context.Context, p *models.Property) error {
	_, err := s.pool.Exec(ctx, insertProperty, insertArgs(p)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateURL
	}
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

// UpsertDiscovered relies on the url unique constraint for per-URL
// atomicity. The merge only fills columns that are still empty and appends
// the new discovery to source_history. xmax = 0 identifies a fresh insert.
func (s *PostgresStore) UpsertDiscovered(ctx context.Context, p *models.Property) (*models.Property, bool, error) {
	query := insertProperty + `
		ON CONFLICT (url) DO UPDATE SET
			title = COALESCE(NULLIF(properties.title, ''), EXCLUDED.title),
			location = COALESCE(properties.location, EXCLUDED.location),
			description = COALESCE(properties.description, EXCLUDED.description),
			price = COALESCE(properties.price, EXCLUDED.price),
			image_url = COALESCE(properties.image_url, EXCLUDED.image_url),
			source_history = properties.source_history || EXCLUDED.source_history,
			updated_at = NOW()
		RETURNING (xmax = 0), ` + propertyColumns

	var inserted bool
	stored, err := scanProperty(s.pool.QueryRow(ctx, query, insertArgs(p)...), &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert property: %w", err)
	}
	return stored, inserted, nil
}

// Update builds the SET list from the non-nil delta fields. With
// ExpectStage the WHERE clause also pins the current funnel stage.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, d PropertyDelta) (*models.Property, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	b := psql.Update("properties").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})
	if d.ExpectStage != nil {
		b = b.Where(sq.Eq{"funnel_stage": string(*d.ExpectStage)})
	}
	if d.FunnelStage != nil {
		b = b.Set("funnel_stage", string(*d.FunnelStage))
	}
	if d.Status != nil {
		b = b.Set("status", string(*d.Status))
	}
	if d.VerificationResult != nil {
		b = b.Set("verification_result", string(*d.VerificationResult))
	}
	if d.VerificationReason != nil {
		b = b.Set("verification_reason", *d.VerificationReason)
	}
	if d.LastVerifiedAt != nil {
		b = b.Set("last_verified_at", *d.LastVerifiedAt)
	}
	if d.ClearDismissal {
		b = b.Set("dismissed_reason", nil).Set("dismissed_pattern", nil)
	}
	if d.DismissedReason != nil {
		b = b.Set("dismissed_reason", string(*d.DismissedReason))
	}
	if d.DismissedPattern != nil {
		b = b.Set("dismissed_pattern", *d.DismissedPattern)
	}
	if d.Location != nil {
		b = b.Set("location", *d.Location)
	}
	if d.Description != nil {
		b = b.Set("description", *d.Description)
	}
	if d.Price != nil {
		b = b.Set("price", *d.Price)
	}
	if d.BedCount != nil {
		b = b.Set("bed_count", *d.BedCount)
	}
	if d.Acreage != nil {
		b = b.Set("acreage", *d.Acreage)
	}
	if d.YearBuilt != nil {
		b = b.Set("year_built", *d.YearBuilt)
	}
	if d.ImageURL != nil {
		b = b.Set("image_url", *d.ImageURL)
	}
	if d.Score != nil {
		b = b.Set("score", models.ClampScore(*d.Score))
	}
	if d.AISummary != nil {
		b = b.Set("ai_summary", *d.AISummary)
	}
	if d.IsNew != nil {
		b = b.Set("is_new", *d.IsNew)
	}
	if d.AppendStage != nil {
		entry, _ := json.Marshal([]models.StageChange{*d.AppendStage})
		b = b.Set("stage_history", sq.Expr("stage_history || ?::jsonb", string(entry)))
	}

	query, args, err := b.Suffix("RETURNING " + propertyColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	p, err := scanProperty(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if d.ExpectStage != nil {
			if _, getErr := s.GetByID(ctx, id); getErr == nil {
				return nil, ErrStageConflict
			}
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update property: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListByFunnelStage(ctx context.Context, stage models.FunnelStage, limit int) ([]models.Property, error) {
	return s.ListProperties(ctx, ListFilter{Stage: &stage, Limit: limit})
}

func (s *PostgresStore) ListProperties(ctx context.Context, f ListFilter) ([]models.Property, error) {
	b := psql.Select(propertyColumns).From("properties").OrderBy("discovered_at", "url")
	if f.Stage != nil {
		b = b.Where(sq.Eq{"funnel_stage": string(*f.Stage)})
	}
	if f.excludesDismissed() {
		b = b.Where(sq.NotEq{"funnel_stage": string(models.StageDismissed)})
	}
	if f.Status != nil {
		b = b.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.UpdatedBefore != nil {
		b = b.Where(sq.Lt{"updated_at": *f.UpdatedBefore})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var out []models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// =============================================================================
// Dismissal patterns
// =============================================================================

func (s *PostgresStore) ListPatterns(ctx context.Context) ([]models.DismissalPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pattern_key, reason, tokens, COALESCE(source_property, '00000000-0000-0000-0000-000000000000'), created_at
		FROM dismissal_patterns ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []models.DismissalPattern
	for rows.Next() {
		var p models.DismissalPattern
		if err := rows.Scan(&p.Key, &p.Reason, &p.Tokens, &p.SourceProperty, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendPattern(ctx context.Context, p models.DismissalPattern) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dismissal_patterns (pattern_key, reason, tokens, source_property, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pattern_key) DO NOTHING`,
		p.Key, string(p.Reason), p.Tokens, p.SourceProperty, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append pattern: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
