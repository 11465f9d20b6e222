package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/mbd888/clickshield/migrations"
)

// PostgresStore persists suspicious activities in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema up to date using the embedded goose
// migrations, the same files cmd/migrate applies.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suspicious_activities (id, identity, ip, campaign, reason, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		rec.ID,
		rec.Identity,
		rec.IP,
		rec.Campaign,
		rec.Reason,
		rec.RiskScore,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record suspicious activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, ip, campaign, reason, risk_score, created_at
		FROM suspicious_activities
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Identity, &r.IP, &r.Campaign, &r.Reason, &r.RiskScore, &r.CreatedAt); err != nil {
			continue
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListBefore(ctx context.Context, before time.Time, beforeID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, ip, campaign, reason, risk_score, created_at
		FROM suspicious_activities
		WHERE (created_at, id) < ($1, $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, before, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious activities before cursor: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Identity, &r.IP, &r.Campaign, &r.Reason, &r.RiskScore, &r.CreatedAt); err != nil {
			continue
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suspicious_activities WHERE created_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count suspicious activities: %w", err)
	}
	return count, nil
}
