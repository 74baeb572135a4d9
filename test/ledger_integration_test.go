package test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/approval"
	"opsledger/auth"
	"opsledger/ledger"
	"opsledger/signing"
	"opsledger/test/oracles"
)

func TestLedgerAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := setupDB(t, ctx)

	signer, err := signing.NewEd25519Signer()
	require.NoError(t, err)
	store := ledger.NewStore(pool, ledger.NewRepository(), signer)
	require.NoError(t, store.RegisterSigningKey(ctx))
	require.NoError(t, store.RegisterSigningKey(ctx), "registering twice is a no-op")

	ids := seedActors(t, ctx, pool, map[string]auth.Role{
		"U1": auth.RoleOperator,
		"U2": auth.RoleSupervisor,
	})

	t.Run("genesis and linking", func(t *testing.T) {
		r1, err := store.RecordEvent(ctx, ledger.Event{ActorID: "U1", ActionType: ledger.ActionBatchCreate, Payload: json.RawMessage(`{"batch":"B-7","qty":120}`)})
		require.NoError(t, err)
		assert.Equal(t, signing.GenesisHash, r1.PrevHash)
		assert.Equal(t, int64(1), r1.Seq)

		r2, err := store.RecordEvent(ctx, ledger.Event{ActorID: "U1", ActionType: ledger.ActionStepSign, Payload: json.RawMessage(`{"step": 1, "batch": "B-7"}`)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), r2.Seq)
		assert.GreaterOrEqual(t, r2.Timestamp, r1.Timestamp)

		latest, err := store.GetLatestEvents(ctx, 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, r2.ID, latest[0].ID)
		// jsonb reorders keys; the read path must hand back the signed canonical form.
		assert.JSONEq(t, `{"batch":"B-7","step":1}`, string(latest[0].Payload))

		report, err := store.Verify(ctx)
		require.NoError(t, err)
		assert.True(t, report.Valid, "%+v", report)
	})

	t.Run("dual signature", func(t *testing.T) {
		workflow := approval.NewService(pool, approval.NewRepository(), store)

		action, err := workflow.CreatePendingAction(ctx, ids["U1"], ledger.ActionSystemOverride, json.RawMessage(`{"reason":"sensor fault"}`))
		require.NoError(t, err)

		_, err = workflow.ApproveAction(ctx, action.ID, ids["U1"])
		require.ErrorIs(t, err, approval.ErrSelfApproval)

		res, err := workflow.ApproveAction(ctx, action.ID, ids["U2"])
		require.NoError(t, err)
		assert.True(t, res.Executed)

		_, err = workflow.ApproveAction(ctx, action.ID, ids["U2"])
		require.ErrorIs(t, err, approval.ErrInvalidState)

		var actor, secondary string
		err = pool.QueryRow(ctx, `SELECT actor_id, secondary_actor_id FROM ledger_events WHERE id = $1`, res.EntryID).Scan(&actor, &secondary)
		require.NoError(t, err)
		assert.Equal(t, "U1", actor)
		assert.Equal(t, "U2", secondary)

		stored, err := workflow.GetAction(ctx, action.ID)
		require.NoError(t, err)
		assert.Equal(t, approval.StatusApproved, stored.Status)
		require.NotNil(t, stored.LedgerEntryID)
		assert.Equal(t, res.EntryID, *stored.LedgerEntryID)
	})

	t.Run("expiry is persisted", func(t *testing.T) {
		now := time.Now()
		workflow := approval.NewService(pool, approval.NewRepository(), store,
			approval.WithTTL(time.Minute), approval.WithClock(func() time.Time { return now }))

		action, err := workflow.CreatePendingAction(ctx, ids["U1"], ledger.ActionDeployment, json.RawMessage(`{"version":"3.1.0"}`))
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		_, err = workflow.ApproveAction(ctx, action.ID, ids["U2"])
		require.ErrorIs(t, err, approval.ErrExpired)

		stored, err := workflow.GetAction(ctx, action.ID)
		require.NoError(t, err)
		assert.Equal(t, approval.StatusExpired, stored.Status)

		_, err = workflow.ApproveAction(ctx, action.ID, ids["U2"])
		require.ErrorIs(t, err, approval.ErrInvalidState)
	})

	t.Run("concurrent writers stay contiguous", func(t *testing.T) {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			conflicts int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					_, err := store.RecordEvent(ctx, ledger.Event{ActorID: "U1", ActionType: ledger.ActionStepSign, Payload: json.RawMessage(`{"i":1}`)})
					if errors.Is(err, ledger.ErrTailConflict) {
						mu.Lock()
						conflicts++
						mu.Unlock()
						continue
					}
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()
		t.Logf("tail conflicts: %d", conflicts)

		name, row, err := oracles.Run(ctx, pool, store)
		require.NoError(t, err)
		assert.Empty(t, name, row)

		report, err := store.Verify(ctx)
		require.NoError(t, err)
		assert.True(t, report.Valid, "%+v", report)
	})

	t.Run("append only", func(t *testing.T) {
		_, err := pool.Exec(ctx, `UPDATE ledger_events SET actor_id = 'mallory' WHERE seq = 1`)
		require.Error(t, err)
		_, err = pool.Exec(ctx, `DELETE FROM ledger_events WHERE seq = 1`)
		require.Error(t, err)
	})

	t.Run("tamper is detected", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `ALTER TABLE ledger_events DISABLE TRIGGER ledger_events_no_update`)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, `UPDATE ledger_events SET payload = '{"batch":"B-7","step":2}' WHERE seq = 2`)
		require.NoError(t, err)

		kr, err := ledger.NewRepository().LoadKeyring(ctx, tx)
		require.NoError(t, err)
		v := ledger.NewVerifier(kr)
		err = ledger.NewRepository().StreamEntries(ctx, tx, 0, func(e ledger.Entry) error {
			v.Add(e)
			return nil
		})
		require.NoError(t, err)

		report := v.Report()
		require.False(t, report.Valid)
		require.NotNil(t, report.FailedSeq)
		assert.Equal(t, int64(2), *report.FailedSeq)
		assert.Equal(t, ledger.ReasonSignatureInvalid, report.Reason)
	})
}
