package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"training-orchestrator/internal/models"
	"training-orchestrator/internal/telemetry"
)

// Store is the persistence slice the deliverer needs.
type Store interface {
	OutboxClaimBatch(ctx context.Context, workerUUID string, n int, lockDur time.Duration) ([]models.OutboxRow, error)
	OutboxMarkDelivered(ctx context.Context, id string) error
	OutboxReschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error
	OutboxMarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// Deliverer drains the webhook outbox with at-least-once semantics. Each
// delivery worker claims rows under an exclusive time-bounded lock, so
// concurrent workers (and orchestrator replicas) never double-send a row
// whose lock is live.
type Deliverer struct {
	store  Store
	log    *logrus.Logger
	client *http.Client

	urls        []string
	secret      string
	workers     int
	batch       int
	lockDur     time.Duration
	backoff     time.Duration
	backoffMax  time.Duration
	maxAttempts int
}

// Options tunes delivery behavior.
type Options struct {
	URLs        []string
	Secret      string
	Workers     int
	Batch       int
	LockDur     time.Duration
	HTTPTimeout time.Duration
	Backoff     time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// New constructs a deliverer.
func New(st Store, log *logrus.Logger, opts Options) *Deliverer {
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.Batch == 0 {
		opts.Batch = 32
	}
	if opts.LockDur == 0 {
		opts.LockDur = time.Minute
	}
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	if opts.Backoff == 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 10 * time.Minute
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 10
	}
	if log == nil {
		log = logrus.New()
	}
	return &Deliverer{
		store:       st,
		log:         log,
		client:      &http.Client{Timeout: opts.HTTPTimeout},
		urls:        opts.URLs,
		secret:      opts.Secret,
		workers:     opts.Workers,
		batch:       opts.Batch,
		lockDur:     opts.LockDur,
		backoff:     opts.Backoff,
		backoffMax:  opts.BackoffMax,
		maxAttempts: opts.MaxAttempts,
	}
}

// Run drains the outbox with the configured number of delivery workers until
// ctx ends. Disabled when no subscriber URLs are configured.
func (d *Deliverer) Run(ctx context.Context) {
	if len(d.urls) == 0 {
		d.log.Info("webhook delivery disabled: no subscriber URLs")
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runWorker(ctx)
		}()
	}
	wg.Wait()
}

func (d *Deliverer) runWorker(ctx context.Context) {
	workerUUID := uuid.New().String()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rows, err := d.store.OutboxClaimBatch(ctx, workerUUID, d.batch, d.lockDur)
		if err != nil {
			d.log.WithError(err).Warn("outbox claim failed")
		}
		for _, row := range rows {
			d.deliver(ctx, row)
		}
		if len(rows) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// deliver posts one row to every subscriber and settles its fate.
func (d *Deliverer) deliver(ctx context.Context, row models.OutboxRow) {
	body, err := json.Marshal(row.Event)
	if err != nil {
		// Unmarshalable rows can never succeed.
		_ = d.store.OutboxMarkFailed(ctx, row.ID, row.Attempts, fmt.Sprintf("marshal event: %v", err))
		telemetry.OutboxFailed.Inc()
		return
	}

	for _, url := range d.urls {
		retryable, errMsg := d.post(ctx, url, row.ID, body)
		if errMsg == "" {
			continue
		}
		if !retryable {
			_ = d.store.OutboxMarkFailed(ctx, row.ID, row.Attempts, errMsg)
			telemetry.OutboxFailed.Inc()
			d.log.WithFields(logrus.Fields{"outbox_id": row.ID, "url": url, "error": errMsg}).Warn("webhook rejected, not retrying")
			return
		}

		attempts := row.Attempts + 1
		if attempts >= d.maxAttempts {
			_ = d.store.OutboxMarkFailed(ctx, row.ID, attempts, errMsg)
			telemetry.OutboxFailed.Inc()
			d.log.WithFields(logrus.Fields{"outbox_id": row.ID, "attempts": attempts}).Warn("webhook attempts exhausted")
			return
		}
		next := time.Now().UTC().Add(d.BackoffFor(attempts))
		_ = d.store.OutboxReschedule(ctx, row.ID, attempts, next, errMsg)
		telemetry.OutboxRetries.Inc()
		d.log.WithFields(logrus.Fields{
			"outbox_id": row.ID, "attempts": attempts, "next_attempt": next, "error": errMsg,
		}).Info("webhook delivery rescheduled")
		return
	}

	if err := d.store.OutboxMarkDelivered(ctx, row.ID); err != nil {
		d.log.WithError(err).WithField("outbox_id", row.ID).Warn("mark delivered failed")
		return
	}
	telemetry.OutboxDelivered.Inc()
}

// post sends one signed request. It returns an empty errMsg on 2xx,
// retryable=false on 4xx, and retryable=true on 5xx, network error, or timeout.
func (d *Deliverer) post(ctx context.Context, url, idempotencyKey string, body []byte) (retryable bool, errMsg string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	if d.secret != "" {
		req.Header.Set("X-Signature", Sign(d.secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return true, fmt.Sprintf("post webhook: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, ""
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return false, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, prefix)
	default:
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
}

// BackoffFor returns min(cap, base*2^attempts) with ±20% jitter.
func (d *Deliverer) BackoffFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := float64(d.backoff) * math.Pow(2, float64(attempts))
	if exp > float64(d.backoffMax) {
		exp = float64(d.backoffMax)
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(exp * jitter)
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>" under secret. Subscribers
// recompute it to authenticate deliveries.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
