// Package chaos injects connection failures while the ledger is under load.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kills counts backends terminated so far.
var Kills atomic.Int64

// TerminateRandomBackend periodically kills one backend opened under appName,
// which aborts whatever transaction it held. Committed entries must survive
// and aborted ones must leave no trace.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(3) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `
				SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND state IN ('active', 'idle in transaction')
					  AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1) victims`, appName).Scan(&killed)
			if err == nil && killed {
				Kills.Add(1)
			}
		}
	}
}
