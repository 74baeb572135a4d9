package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrActorNotFound signals that the actor does not exist.
var ErrActorNotFound = errors.New("auth: actor not found")

// Repository handles data access for the actor registry.
type Repository interface {
	GetActor(ctx context.Context, actorID string) (Actor, error)
	UpsertActor(ctx context.Context, params UpsertActorParams) (Actor, error)
}

// UpsertActorParams contains write parameters for registering actors.
type UpsertActorParams struct {
	ID          string
	DisplayName string
	Role        Role
	Active      bool
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed actor repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// UpsertActor registers an actor or updates its role and status.
func (r *PGRepository) UpsertActor(ctx context.Context, params UpsertActorParams) (Actor, error) {
	if params.ID == "" {
		return Actor{}, fmt.Errorf("auth: actor id required")
	}
	if !isValidRole(params.Role) {
		return Actor{}, fmt.Errorf("auth: invalid role %q", params.Role)
	}

	const upsertSQL = `
		INSERT INTO actors (id, display_name, role, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, role = EXCLUDED.role, active = EXCLUDED.active
		RETURNING id, display_name, role, active, created_at
	`
	actor, err := scanActor(r.pool.QueryRow(ctx, upsertSQL, params.ID, params.DisplayName, params.Role, params.Active))
	if err != nil {
		return Actor{}, fmt.Errorf("auth: upsert actor: %w", err)
	}
	return actor, nil
}

// GetActor retrieves an actor by ID.
func (r *PGRepository) GetActor(ctx context.Context, actorID string) (Actor, error) {
	const selectSQL = `
		SELECT id, display_name, role, active, created_at
		FROM actors
		WHERE id = $1
	`
	actor, err := scanActor(r.pool.QueryRow(ctx, selectSQL, actorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, ErrActorNotFound
		}
		return Actor{}, fmt.Errorf("auth: get actor: %w", err)
	}
	return actor, nil
}

func scanActor(row pgx.Row) (Actor, error) {
	var a Actor
	if err := row.Scan(&a.ID, &a.DisplayName, &a.Role, &a.Active, &a.CreatedAt); err != nil {
		return Actor{}, err
	}
	return a, nil
}
