package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/uahtechtube/finxchange/internal/cache"
	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/queue"
)

var drainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "finx_edge_drain_records_total",
	Help: "Queued records replayed, by outcome",
}, []string{"outcome"}) // submitted, failed

// DrainerConfig carries the drainer's dependencies.
type DrainerConfig struct {
	Upstream *url.URL
	Queue    *queue.Store
	Cache    *cache.Store
	Monitor  *Monitor
	Notifier Notifier
	UserID   string
	// Delay is the fixed wait after each record; defaults to one second.
	Delay  time.Duration
	Client *http.Client
	Log    zerolog.Logger
}

// Drainer replays queued transactions against the upstream once
// connectivity returns. A batch is strictly sequential with a fixed
// inter-record delay; failure of one record never aborts the rest.
type Drainer struct {
	upstream *url.URL
	queue    *queue.Store
	cache    *cache.Store
	monitor  *Monitor
	notifier Notifier
	userID   string
	delay    time.Duration
	client   *http.Client
	log      zerolog.Logger

	mu     sync.Mutex
	active bool
}

func NewDrainer(cfg DrainerConfig) *Drainer {
	delay := cfg.Delay
	if delay == 0 {
		delay = time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Drainer{
		upstream: cfg.Upstream,
		queue:    cfg.Queue,
		cache:    cfg.Cache,
		monitor:  cfg.Monitor,
		notifier: cfg.Notifier,
		userID:   cfg.UserID,
		delay:    delay,
		client:   client,
		log:      cfg.Log,
	}
}

// Drain replays all currently queued records. Overlapping invocations
// coalesce: if a drain is already in flight the call is a no-op, as it is
// when offline or when the queue is empty.
func (d *Drainer) Drain(ctx context.Context) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active = false
		d.mu.Unlock()
	}()

	if !d.monitor.Online() {
		return
	}

	records, err := d.queue.Pending(d.userID)
	if err != nil {
		d.log.Error().Err(err).Msg("could not list queued transactions")
		d.notifier.Alert("Saved transactions could not be read from local storage.")
		return
	}
	if len(records) == 0 {
		return
	}

	d.log.Info().Int("count", len(records)).Msg("draining offline queue")

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.queue.UpdateStatus(rec.ID, domain.QueueStatusProcessing); err != nil {
			// Record vanished or was grabbed elsewhere; skip it.
			d.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping record")
			continue
		}

		if err := d.submit(ctx, rec); err != nil {
			drainOutcomes.WithLabelValues("failed").Inc()
			d.log.Warn().Err(err).Str("id", rec.ID).Str("kind", string(rec.Kind)).Msg("replay failed")
			if uerr := d.queue.UpdateStatus(rec.ID, domain.QueueStatusFailed); uerr != nil {
				d.log.Error().Err(uerr).Str("id", rec.ID).Msg("could not mark record failed")
			}
			d.notifier.Alert(fmt.Sprintf("Queued %s of %s could not be sent. Retry it from your pending list.",
				kindLabel(rec.Kind), rec.Amount))
		} else {
			drainOutcomes.WithLabelValues("submitted").Inc()
			if rerr := d.queue.Remove(rec.ID); rerr != nil {
				d.log.Error().Err(rerr).Str("id", rec.ID).Msg("could not remove drained record")
			}
			d.notifier.Notify(fmt.Sprintf("Queued %s of %s has been sent.", kindLabel(rec.Kind), rec.Amount))
		}

		// Fixed-rate throttle between records; serialized on purpose so
		// in-flight transfers never race the wallet balance.
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.delay):
		}
	}

	// The wallet and transaction caches are now stale; force a refetch.
	if d.cache != nil {
		d.cache.Invalidate("/api/v1/wallet")
		d.cache.Invalidate("/api/v1/transactions")
	}
}

func (d *Drainer) submit(ctx context.Context, rec domain.QueuedTransaction) error {
	endpoint := EndpointForKind(rec.Kind)
	if endpoint == "" {
		return fmt.Errorf("no endpoint for kind %q", rec.Kind)
	}

	body := make(map[string]json.RawMessage)
	if len(rec.RecipientDetails) > 0 {
		if err := json.Unmarshal(rec.RecipientDetails, &body); err != nil {
			return fmt.Errorf("corrupt recipient details: %w", err)
		}
	}
	if len(rec.Metadata) > 0 {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(rec.Metadata, &meta); err == nil {
			for k, v := range meta {
				if _, exists := body[k]; !exists && k != "endpoint" && k != "method" {
					body[k] = v
				}
			}
		}
	}
	body["amount"], _ = json.Marshal(rec.Amount.String())
	if rec.Description != "" {
		body["description"], _ = json.Marshal(rec.Description)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	target := *d.upstream
	target.Path = endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", rec.UserID)
	// The record id doubles as the idempotency key, so a record replayed
	// twice (stuck-sweep, crash between submit and remove) is absorbed
	// server-side.
	req.Header.Set("Idempotency-Key", rec.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.monitor.MarkOffline()
		return err
	}
	defer resp.Body.Close()
	d.monitor.MarkOnline()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}

func kindLabel(kind domain.TransactionKind) string {
	switch kind {
	case domain.KindBankTransfer:
		return "bank transfer"
	case domain.KindWalletTransfer:
		return "wallet transfer"
	case domain.KindAirtime:
		return "airtime purchase"
	case domain.KindData:
		return "data purchase"
	}
	return "transaction"
}
