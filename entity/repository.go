package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested entity does not exist.
var ErrNotFound = errors.New("entity: not found")

// Repository provides read access to the reporting_entities table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByName fetches an entity by its normalised name.
func (r *Repository) GetByName(ctx context.Context, name string) (Profile, error) {
	const query = `
		SELECT id, name, entity_type, created_at
		FROM reporting_entities
		WHERE normalized_name = $1
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, NormalizeName(name)).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Type,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("entity: query by name: %w", err)
	}
	return profile, nil
}

// List fetches up to limit entities ordered by name, optionally filtered by type.
func (r *Repository) List(ctx context.Context, kind Type, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, name, entity_type, created_at
		FROM reporting_entities
	`
	args := []any{limit}
	if kind != "" {
		query += " WHERE entity_type = $2"
		args = append(args, string(kind))
	}
	query += " ORDER BY name ASC LIMIT $1"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, 8)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Type, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("entity: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: iterate profiles: %w", err)
	}
	return profiles, nil
}
