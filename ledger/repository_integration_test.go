package ledger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/signing"
)

// TestRepository_Integration runs the store against a live PostgreSQL named by
// DATABASE_URL. Migrations must already be applied.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "connect pool")
	defer pool.Close()

	if !tableExists(ctx, t, pool, "ledger_events") || !tableExists(ctx, t, pool, "signing_keys") {
		t.Skip("database schema missing; apply migrations/0001_ledger.sql first")
	}

	signer, err := signing.NewEd25519Signer()
	require.NoError(t, err)
	repo := NewRepository()
	store := NewStore(pool, repo, signer)
	require.NoError(t, store.RegisterSigningKey(ctx))

	kr, err := repo.LoadKeyring(ctx, pool)
	require.NoError(t, err)
	_, ok := kr.Lookup(signer.KeyID())
	require.True(t, ok, "registered key %s missing from keyring", signer.KeyID())

	// The table may already hold entries from earlier runs; only relative
	// behaviour is asserted.
	before, err := store.GetLatestEvents(ctx, 1)
	require.NoError(t, err)

	r1, err := store.RecordEvent(ctx, Event{ActorID: "it-actor", ActionType: ActionDeviationLog, Payload: json.RawMessage(`{"z":1,"a":{"y":2,"b":3}}`)})
	require.NoError(t, err)
	if len(before) == 0 {
		assert.Equal(t, signing.GenesisHash, r1.PrevHash)
		assert.Equal(t, int64(1), r1.Seq)
	} else {
		want, err := LinkHash(before[0])
		require.NoError(t, err)
		assert.Equal(t, want, r1.PrevHash)
	}

	r2, err := store.RecordEvent(ctx, Event{ActorID: "it-actor", ActionType: ActionStepSign, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, r1.Seq+1, r2.Seq)

	var streamed []Entry
	require.NoError(t, repo.StreamEntries(ctx, pool, r1.Seq-1, func(e Entry) error {
		streamed = append(streamed, e)
		return nil
	}))
	require.Len(t, streamed, 2)
	assert.Equal(t, r1.ID, streamed[0].ID)
	assert.Equal(t, `{"a":{"b":3,"y":2},"z":1}`, string(streamed[0].Payload))
	link, err := LinkHash(streamed[0])
	require.NoError(t, err)
	assert.Equal(t, r2.PrevHash, link, "stored entry must hash to successor's prev_hash")

	// A stale tail is refused by the unique constraints.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	dup := streamed[1]
	dup.ID = "00000000-0000-4000-8000-000000000001"
	assert.ErrorIs(t, repo.InsertEntry(ctx, tx, dup), ErrTailConflict)

	// jsonb refuses U+0000; that is a bad payload, not an outage.
	nulTx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer nulTx.Rollback(ctx)
	bad := streamed[1]
	bad.ID = "00000000-0000-4000-8000-000000000002"
	bad.Seq = r2.Seq + 1000
	bad.PrevHash = strings.Repeat("f", 64)
	bad.Payload = json.RawMessage(`{"note":"\u0000"}`)
	err = repo.InsertEntry(ctx, nulTx, bad)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.NotErrorIs(t, err, ErrPersistenceFailure)
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var ok bool
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&ok), "check table %s", name)
	return ok
}
