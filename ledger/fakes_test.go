package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"opsledger/signing"
)

// memRepo keeps committed entries in memory and stages writes per transaction.
type memRepo struct {
	committed []Entry
	staged    map[*fakeTx][]Entry
	keys      signing.Keyring

	insertErr error
	locks     int
}

func newMemRepo() *memRepo {
	return &memRepo{staged: map[*fakeTx][]Entry{}, keys: signing.Keyring{}}
}

func (r *memRepo) LockTail(ctx context.Context, tx pgx.Tx) error {
	r.locks++
	return nil
}

func (r *memRepo) LatestEntry(ctx context.Context, tx pgx.Tx) (*Entry, error) {
	all := append(append([]Entry(nil), r.committed...), r.staged[tx.(*fakeTx)]...)
	if len(all) == 0 {
		return nil, nil
	}
	e := all[len(all)-1]
	return &e, nil
}

func (r *memRepo) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	ft := tx.(*fakeTx)
	r.staged[ft] = append(r.staged[ft], e)
	ft.onCommit = func() {
		r.committed = append(r.committed, r.staged[ft]...)
		delete(r.staged, ft)
	}
	return nil
}

func (r *memRepo) ListLatest(ctx context.Context, q DBTX, limit int) ([]Entry, error) {
	out := append([]Entry(nil), r.committed...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) StreamEntries(ctx context.Context, q DBTX, afterSeq int64, fn func(Entry) error) error {
	for _, e := range r.committed {
		if e.Seq <= afterSeq {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepo) RegisterKey(ctx context.Context, q DBTX, keyID string, pub []byte) error {
	r.keys[keyID] = pub
	return nil
}

func (r *memRepo) LoadKeyring(ctx context.Context, q DBTX) (signing.Keyring, error) {
	kr := signing.Keyring{}
	for k, v := range r.keys {
		kr[k] = v
	}
	return kr, nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
	onCommit  func()
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.rolled {
		return pgx.ErrTxClosed
	}
	f.committed = true
	if f.onCommit != nil {
		f.onCommit()
	}
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type failingSigner struct {
	signing.Signer
}

func (failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}
