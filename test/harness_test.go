package test

import (
	"context"
	"flag"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"opsledger/auth"
	"opsledger/test/infra"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent committers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// setupDB returns a migrated pool, preferring an explicit DSN, then Docker,
// then a local Postgres. The test is skipped when none is available.
func setupDB(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	var (
		pgC      = &infra.PGContainer{}
		dsn      string
		isolated bool
		err      error
	)
	switch {
	case *flDSN != "":
		dsn, isolated = *flDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, isolated = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres(ctx, "")
		require.NoError(t, err, "start postgres")
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available: %v", err)
		}
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, isolated)
	require.NoError(t, err, "apply migrations")
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func seedActors(t *testing.T, ctx context.Context, pool *pgxpool.Pool, ids map[string]auth.Role) map[string]auth.Identity {
	t.Helper()
	repo := auth.NewRepository(pool)
	out := make(map[string]auth.Identity, len(ids))
	for id, role := range ids {
		actor, err := repo.UpsertActor(ctx, auth.UpsertActorParams{ID: id, DisplayName: id, Role: role, Active: true})
		require.NoError(t, err, "seed actor %s", id)
		out[id] = auth.Identity{ActorID: actor.ID, Role: actor.Role}
	}
	return out
}
