package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"opsledger/logging"
	"opsledger/signing"
)

const (
	// DefaultListLimit applies when a caller passes a non-positive limit.
	DefaultListLimit = 10
	// MaxListLimit caps a single read.
	MaxListLimit = 500
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	TxBeginner
	DBTX
}

// EntryRepository defines the data access required by the store.
type EntryRepository interface {
	LockTail(ctx context.Context, tx pgx.Tx) error
	LatestEntry(ctx context.Context, tx pgx.Tx) (*Entry, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) error
	ListLatest(ctx context.Context, q DBTX, limit int) ([]Entry, error)
	StreamEntries(ctx context.Context, q DBTX, afterSeq int64, fn func(Entry) error) error
	RegisterKey(ctx context.Context, q DBTX, keyID string, pub []byte) error
	LoadKeyring(ctx context.Context, q DBTX) (signing.Keyring, error)
}

// Store appends to and reads from the hash chain. It keeps no tail state in
// memory; the database serializes writers.
type Store struct {
	pool   Pool
	repo   EntryRepository
	signer signing.Signer
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	tracer  trace.Tracer
	commits metric.Int64Counter
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger sets the logger used for audit records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(pool Pool, repo EntryRepository, signer signing.Signer, opts ...Option) *Store {
	if repo == nil {
		repo = NewRepository()
	}
	s := &Store{
		pool:   pool,
		repo:   repo,
		signer: signer,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
		tracer: otel.Tracer("opsledger/ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ledger")

	commits, err := otel.Meter("opsledger/ledger").Int64Counter("ledger.commits",
		metric.WithDescription("Ledger entries committed"),
		metric.WithUnit("{entry}"),
	)
	if err == nil {
		s.commits = commits
	}
	return s
}

// Signer exposes the server signer, e.g. for publishing the public key.
func (s *Store) Signer() signing.Signer {
	return s.signer
}

// RegisterSigningKey persists the active public key in the key registry.
func (s *Store) RegisterSigningKey(ctx context.Context) error {
	return s.repo.RegisterKey(ctx, s.pool, s.signer.KeyID(), s.signer.PublicKey())
}

// RecordEvent links, signs and commits ev in its own transaction.
func (s *Store) RecordEvent(ctx context.Context, ev Event) (Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: begin tx: %w", ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	receipt, err := s.RecordEventTx(ctx, tx, ev)
	if err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("%w: commit tx: %w", ErrPersistenceFailure, err)
	}

	logging.Audit(ctx, s.logger, "ledger entry committed", ev.ActorID, string(ev.ActionType),
		"entry_id", receipt.ID, "seq", receipt.Seq)
	return receipt, nil
}

// RecordEventTx appends ev inside a caller-owned transaction. The caller commits;
// on any error the caller must roll back.
func (s *Store) RecordEventTx(ctx context.Context, tx pgx.Tx, ev Event) (receipt Receipt, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RecordEvent",
		trace.WithAttributes(attribute.String("ledger.action_type", string(ev.ActionType))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if ev.ActorID == "" {
		return Receipt{}, fmt.Errorf("ledger: missing actor id")
	}
	if !ev.ActionType.Valid() {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownActionType, ev.ActionType)
	}
	payload, err := CanonicalPayload(ev.Payload)
	if err != nil {
		return Receipt{}, err
	}

	if err := s.repo.LockTail(ctx, tx); err != nil {
		return Receipt{}, err
	}
	latest, err := s.repo.LatestEntry(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}

	entry := Entry{
		ID:               s.newID(),
		Seq:              1,
		PrevHash:         signing.GenesisHash,
		ActorID:          ev.ActorID,
		SecondaryActorID: ev.SecondaryActorID,
		ActionType:       ev.ActionType,
		Payload:          payload,
		KeyID:            s.signer.KeyID(),
		Timestamp:        s.now().UnixMilli(),
	}
	if latest != nil {
		prevHash, err := LinkHash(*latest)
		if err != nil {
			return Receipt{}, fmt.Errorf("ledger: hash tail: %w", err)
		}
		entry.PrevHash = prevHash
		entry.Seq = latest.Seq + 1
		if entry.Timestamp < latest.Timestamp {
			entry.Timestamp = latest.Timestamp
		}
	}

	msg, err := SigningBytes(entry)
	if err != nil {
		return Receipt{}, err
	}
	sig, err := s.signer.Sign(ctx, msg)
	if err != nil {
		if errors.Is(err, signing.ErrSignatureFailure) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %w", signing.ErrSignatureFailure, err)
	}
	entry.Signature = hex.EncodeToString(sig)

	if err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
		return Receipt{}, err
	}

	if s.commits != nil {
		s.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", string(entry.ActionType))))
	}
	span.SetAttributes(attribute.Int64("ledger.seq", entry.Seq))
	return receiptFor(entry), nil
}

// GetLatestEvents returns up to limit entries, newest first.
func (s *Store) GetLatestEvents(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.repo.ListLatest(ctx, s.pool, limit)
}

// Export streams every entry with seq > afterSeq to w as NDJSON and returns
// the number written.
func (s *Store) Export(ctx context.Context, w EntryWriter, afterSeq int64) (int, error) {
	n := 0
	err := s.repo.StreamEntries(ctx, s.pool, afterSeq, func(e Entry) error {
		if err := w.Write(e); err != nil {
			return fmt.Errorf("ledger: export entry %d: %w", e.Seq, err)
		}
		n++
		return nil
	})
	return n, err
}

// Verify walks the whole stored chain against the registered keys.
func (s *Store) Verify(ctx context.Context) (VerificationReport, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Verify")
	defer span.End()

	kr, err := s.repo.LoadKeyring(ctx, s.pool)
	if err != nil {
		return VerificationReport{}, err
	}
	// The active key may not be registered yet on a fresh database.
	if _, ok := kr.Lookup(s.signer.KeyID()); !ok {
		kr[s.signer.KeyID()] = s.signer.PublicKey()
	}

	v := NewVerifier(kr)
	err = s.repo.StreamEntries(ctx, s.pool, 0, func(e Entry) error {
		v.Add(e)
		return nil
	})
	if err != nil {
		return VerificationReport{}, err
	}
	report := v.Report()
	if !report.Valid {
		s.logger.WarnContext(ctx, "ledger chain verification failed",
			"seq", report.FailedSeq, "reason", report.Reason)
	}
	return report, nil
}
