package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/store"
)

type fakeStore struct {
	reclaimed   []store.ExpiredLease
	leaseErr    error
	locksSwept  bool
	outboxSwept bool
	maxAttempts int
}

func (f *fakeStore) ExpireLeases(_ context.Context, _ time.Time, maxAttempts int) ([]store.ExpiredLease, error) {
	f.maxAttempts = maxAttempts
	return f.reclaimed, f.leaseErr
}

func (f *fakeStore) ExpireDatasetLocks(_ context.Context, _ time.Time) (int64, error) {
	f.locksSwept = true
	return 1, nil
}

func (f *fakeStore) OutboxRescueStuck(_ context.Context, _ time.Time) (int64, error) {
	f.outboxSwept = true
	return 2, nil
}

func TestSweepRunsAllPhases(t *testing.T) {
	fs := &fakeStore{
		reclaimed: []store.ExpiredLease{
			{JobID: "job-1", Worker: "w1", Attempts: 1, Status: models.StatusPending},
			{JobID: "job-2", Worker: "w1", Attempts: 5, Status: models.StatusFailed},
		},
	}
	s := New(fs, nil, time.Second, 5)
	s.Sweep(context.Background())

	if fs.maxAttempts != 5 {
		t.Fatalf("expected maxAttempts 5 passed through, got %d", fs.maxAttempts)
	}
	if !fs.locksSwept {
		t.Fatal("expected dataset lock sweep")
	}
	if !fs.outboxSwept {
		t.Fatal("expected outbox rescue")
	}
}

func TestSweepContinuesPastLeaseError(t *testing.T) {
	fs := &fakeStore{leaseErr: errors.New("store down")}
	s := New(fs, nil, time.Second, 5)
	s.Sweep(context.Background())

	if !fs.locksSwept || !fs.outboxSwept {
		t.Fatal("a lease sweep failure must not abort the remaining phases")
	}
}
