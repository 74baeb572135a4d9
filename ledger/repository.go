package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"opsledger/signing"
)

var (
	// ErrPersistenceFailure wraps any storage error; the surrounding transaction is rolled back.
	ErrPersistenceFailure = errors.New("ledger: persistence failure")
	// ErrTailConflict signals another writer claimed the same tail position. Safe to retry.
	ErrTailConflict = errors.New("ledger: tail conflict")
)

// tailLockKey identifies the transaction-scoped advisory lock guarding the chain tail.
const tailLockKey int64 = 0x6f70736c65646772

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const entryColumns = `id::text, seq, prev_hash, actor_id, secondary_actor_id, action_type, payload, signature, key_id, ts_ms`

// LockTail blocks until this transaction owns the tail; the lock releases at commit or rollback.
func (r *Repository) LockTail(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tailLockKey); err != nil {
		return fmt.Errorf("%w: lock tail: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// LatestEntry returns the entry with the highest seq, or nil on an empty ledger.
func (r *Repository) LatestEntry(ctx context.Context, tx pgx.Tx) (*Entry, error) {
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_events ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read tail: %w", ErrPersistenceFailure, err)
	}
	return &e, nil
}

// IsPayloadRejected reports whether Postgres refused a jsonb value itself
// (22P05 untranslatable character, 22P02 invalid text representation).
// Retrying such a write cannot succeed.
func IsPayloadRejected(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "22P05" || pgErr.Code == "22P02"
}

// InsertEntry persists a fully linked and signed entry.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	const insertSQL = `
INSERT INTO ledger_events (id, seq, prev_hash, actor_id, secondary_actor_id, action_type, payload, signature, key_id, ts_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10);
`
	_, err := tx.Exec(ctx, insertSQL,
		e.ID, e.Seq, e.PrevHash, e.ActorID, e.SecondaryActorID, string(e.ActionType),
		string(e.Payload), e.Signature, e.KeyID, e.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrTailConflict, pgErr.ConstraintName)
		}
		if IsPayloadRejected(err) {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return fmt.Errorf("%w: insert entry: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// ListLatest returns up to limit entries, newest first.
func (r *Repository) ListLatest(ctx context.Context, q DBTX, limit int) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_events ORDER BY ts_ms DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %w", ErrPersistenceFailure, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", ErrPersistenceFailure, err)
	}
	return entries, nil
}

// StreamEntries calls fn for every entry with seq > afterSeq in ascending seq order.
func (r *Repository) StreamEntries(ctx context.Context, q DBTX, afterSeq int64, fn func(Entry) error) error {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_events WHERE seq > $1 ORDER BY seq ASC`, afterSeq)
	if err != nil {
		return fmt.Errorf("%w: stream entries: %w", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("%w: scan entry: %w", ErrPersistenceFailure, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: stream entries: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// RegisterKey records a server public key so entries signed by it stay verifiable after restarts.
func (r *Repository) RegisterKey(ctx context.Context, q DBTX, keyID string, pub []byte) error {
	const upsertSQL = `
INSERT INTO signing_keys (key_id, public_key, algorithm)
VALUES ($1, $2, $3)
ON CONFLICT (key_id) DO NOTHING;
`
	if _, err := q.Exec(ctx, upsertSQL, keyID, hex.EncodeToString(pub), signing.Algorithm); err != nil {
		return fmt.Errorf("%w: register key: %w", ErrPersistenceFailure, err)
	}
	return nil
}

// LoadKeyring returns every registered public key.
func (r *Repository) LoadKeyring(ctx context.Context, q DBTX) (signing.Keyring, error) {
	rows, err := q.Query(ctx, `SELECT key_id, public_key FROM signing_keys`)
	if err != nil {
		return nil, fmt.Errorf("%w: load keys: %w", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	kr := signing.Keyring{}
	for rows.Next() {
		var keyID, pubHex string
		if err := rows.Scan(&keyID, &pubHex); err != nil {
			return nil, fmt.Errorf("%w: scan key: %w", ErrPersistenceFailure, err)
		}
		pub, err := signing.ParsePublicKey(pubHex)
		if err != nil {
			return nil, fmt.Errorf("ledger: key %s: %w", keyID, err)
		}
		kr[keyID] = pub
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load keys: %w", ErrPersistenceFailure, err)
	}
	return kr, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e          Entry
		actionType string
		payload    []byte
	)
	if err := row.Scan(&e.ID, &e.Seq, &e.PrevHash, &e.ActorID, &e.SecondaryActorID, &actionType,
		&payload, &e.Signature, &e.KeyID, &e.Timestamp); err != nil {
		return Entry{}, err
	}
	e.ActionType = ActionType(actionType)
	// jsonb re-renders whitespace; hand callers the canonical bytes that were signed.
	canon, err := CanonicalPayload(payload)
	if err != nil {
		return Entry{}, err
	}
	e.Payload = canon
	return e, nil
}
