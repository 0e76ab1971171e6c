package outbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"training-orchestrator/internal/models"
)

// fakeStore records delivery outcomes and re-serves rescheduled rows.
type fakeStore struct {
	mu        sync.Mutex
	queue     []models.OutboxRow
	delivered []string
	failed    map[string]string
	resched   map[string]int
}

func newFakeOutboxStore(rows ...models.OutboxRow) *fakeStore {
	return &fakeStore{
		queue:   rows,
		failed:  make(map[string]string),
		resched: make(map[string]int),
	}
}

func (f *fakeStore) OutboxClaimBatch(_ context.Context, _ string, n int, _ time.Duration) ([]models.OutboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	return batch, nil
}

func (f *fakeStore) OutboxMarkDelivered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeStore) OutboxReschedule(_ context.Context, id string, attempts int, _ time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resched[id] = attempts
	return nil
}

func (f *fakeStore) OutboxMarkFailed(_ context.Context, id string, _ int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastErr
	return nil
}

func row(id string, attempts int) models.OutboxRow {
	return models.OutboxRow{
		ID:       id,
		JobID:    "job-1",
		Event:    map[string]any{"id": id, "job_id": "job-1", "type": "completed"},
		Status:   models.OutboxPending,
		Attempts: attempts,
	}
}

func newDeliverer(st Store, url, secret string) *Deliverer {
	return New(st, nil, Options{
		URLs:        []string{url},
		Secret:      secret,
		MaxAttempts: 10,
		Backoff:     5 * time.Second,
		BackoffMax:  10 * time.Minute,
		HTTPTimeout: 2 * time.Second,
	})
}

func TestDeliverSuccess(t *testing.T) {
	var gotKey, gotTS, gotSig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotTS = r.Header.Get("X-Timestamp")
		gotSig = r.Header.Get("X-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "s3cret")
	d.deliver(context.Background(), row("ob-1", 0))

	require.Equal(t, []string{"ob-1"}, fs.delivered)
	require.Empty(t, fs.failed)
	require.Equal(t, "ob-1", gotKey, "outbox id doubles as the idempotency key")

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(gotTS + "."))
	mac.Write(body)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	require.Equal(t, Sign("s3cret", ts, body), gotSig)
}

func TestDeliverServerErrorReschedules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "")
	d.deliver(context.Background(), row("ob-1", 0))

	require.Empty(t, fs.delivered)
	require.Empty(t, fs.failed)
	require.Equal(t, 1, fs.resched["ob-1"])
}

func TestDeliverFlakySubscriberEventuallySucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "")

	// Redrive the row like the claim loop would, carrying attempts forward.
	r := row("ob-1", 0)
	for i := 0; i < 4; i++ {
		d.deliver(context.Background(), r)
		if n, ok := fs.resched["ob-1"]; ok {
			r.Attempts = n
		}
	}

	require.Equal(t, 4, calls)
	require.Equal(t, []string{"ob-1"}, fs.delivered)
	require.Equal(t, 3, fs.resched["ob-1"], "three retries before the 2xx")
	require.Empty(t, fs.failed)
}

func TestDeliverClientErrorFailsTerminally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("subscriber moved"))
	}))
	defer srv.Close()

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "")
	d.deliver(context.Background(), row("ob-1", 0))

	require.Empty(t, fs.delivered)
	require.Empty(t, fs.resched)
	require.Contains(t, fs.failed["ob-1"], "HTTP 410")
	require.Contains(t, fs.failed["ob-1"], "subscriber moved")
}

func TestDeliverAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "")
	d.deliver(context.Background(), row("ob-1", 9))

	require.Empty(t, fs.resched)
	require.Contains(t, fs.failed, "ob-1")
}

func TestDeliverNetworkErrorReschedules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately unreachable

	fs := newFakeOutboxStore()
	d := newDeliverer(fs, srv.URL, "")
	d.deliver(context.Background(), row("ob-1", 0))

	require.Equal(t, 1, fs.resched["ob-1"])
}

func TestBackoffForBounds(t *testing.T) {
	d := newDeliverer(newFakeOutboxStore(), "http://example.invalid", "")

	for attempts := 0; attempts < 16; attempts++ {
		got := d.BackoffFor(attempts)
		base := 5 * time.Second * (1 << attempts)
		if base > 10*time.Minute || base < 0 {
			base = 10 * time.Minute
		}
		min := time.Duration(float64(base) * 0.8)
		max := time.Duration(float64(base) * 1.2)
		require.GreaterOrEqual(t, got, min, "attempt %d", attempts)
		require.LessOrEqual(t, got, max, "attempt %d", attempts)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeOutboxStore(row("ob-1", 0), row("ob-2", 0), row("ob-3", 0))
	d := newDeliverer(fs, srv.URL, "")
	d.workers = 2

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.delivered) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
