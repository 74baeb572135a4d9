// Package actors drives concurrent load against the ledger services.
package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"opsledger/approval"
	"opsledger/auth"
	"opsledger/ledger"
)

// Recorder is the single-signature commit path.
type Recorder interface {
	RecordEvent(ctx context.Context, ev ledger.Event) (ledger.Receipt, error)
}

// Workflow is the dual-authorization path.
type Workflow interface {
	CreatePendingAction(ctx context.Context, initiator auth.Identity, actionType ledger.ActionType, payload json.RawMessage) (approval.PendingAction, error)
	ApproveAction(ctx context.Context, actionID string, approver auth.Identity) (approval.ApprovalResult, error)
	RejectAction(ctx context.Context, actionID string, actor auth.Identity, reason string) (approval.PendingAction, error)
}

// Board shares staged action ids between requesters and approvers so that
// several approvers race for the same action.
type Board struct {
	mu  sync.Mutex
	ids []string
}

func (b *Board) Post(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, id)
	if len(b.ids) > 64 {
		b.ids = b.ids[len(b.ids)-64:]
	}
}

// Pick returns a recent id, biased towards the newest.
func (b *Board) Pick(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	window := len(b.ids)
	if window > 8 {
		window = 8
	}
	return b.ids[len(b.ids)-1-rng.Intn(window)], true
}

// Stats counts outcomes across all actors.
type Stats struct {
	mu        sync.Mutex
	Committed int
	Approved  int
	Refused   map[string]int
	Transient int
}

func (s *Stats) add(f func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Refused == nil {
		s.Refused = make(map[string]int)
	}
	f(s)
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("committed=%d approved=%d transient=%d refused=%v", s.Committed, s.Approved, s.Transient, s.Refused)
}

// transient reports failures that roll back cleanly and are expected while
// chaos is terminating backends.
func transient(err error) bool {
	return errors.Is(err, ledger.ErrTailConflict) || errors.Is(err, ledger.ErrPersistenceFailure) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Committer appends single-signature events as fast as the tail lock allows.
func Committer(ctx context.Context, rec Recorder, actorID string, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	types := []ledger.ActionType{ledger.ActionBatchCreate, ledger.ActionStepSign, ledger.ActionDeviationLog}
	for n := 0; !stopped(ctx, stop); n++ {
		payload := json.RawMessage(fmt.Sprintf(`{"actor":%q,"n":%d,"lot":"L-%04d"}`, actorID, n, rng.Intn(10000)))
		_, err := rec.RecordEvent(ctx, ledger.Event{
			ActorID:    actorID,
			ActionType: types[rng.Intn(len(types))],
			Payload:    payload,
		})
		switch {
		case err == nil:
			stats.add(func(s *Stats) { s.Committed++ })
		case transient(err):
			stats.add(func(s *Stats) { s.Transient++ })
		default:
			return fmt.Errorf("committer %s: %w", actorID, err)
		}
		pause(rng, 2, 10)
	}
	return nil
}

// Requester stages dual-authorization actions and posts their ids.
func Requester(ctx context.Context, wf Workflow, who auth.Identity, board *Board, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; !stopped(ctx, stop); n++ {
		payload := json.RawMessage(fmt.Sprintf(`{"release":"v%d.%d","by":%q}`, n, rng.Intn(100), who.ActorID))
		action, err := wf.CreatePendingAction(ctx, who, ledger.ActionDeployment, payload)
		switch {
		case err == nil:
			board.Post(action.ID)
		case transient(err):
			stats.add(func(s *Stats) { s.Transient++ })
		default:
			return fmt.Errorf("requester %s: %w", who.ActorID, err)
		}
		pause(rng, 10, 30)
	}
	return nil
}

// Approver races other approvers for recently staged actions. Occasionally
// it rejects instead, so terminal-state conflicts are exercised both ways.
func Approver(ctx context.Context, wf Workflow, who auth.Identity, board *Board, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		id, ok := board.Pick(rng)
		if !ok {
			pause(rng, 5, 10)
			continue
		}

		var err error
		if rng.Intn(10) == 0 {
			_, err = wf.RejectAction(ctx, id, who, "stress reject")
		} else {
			var res approval.ApprovalResult
			res, err = wf.ApproveAction(ctx, id, who)
			if err == nil && res.Executed {
				stats.add(func(s *Stats) { s.Approved++ })
			}
		}

		switch {
		case err == nil:
		case approval.IsBusinessRuleError(err):
			reason := err.Error()
			stats.add(func(s *Stats) { s.Refused[reason]++ })
		case transient(err):
			stats.add(func(s *Stats) { s.Transient++ })
		default:
			return fmt.Errorf("approver %s: %w", who.ActorID, err)
		}
		pause(rng, 3, 12)
	}
	return nil
}
