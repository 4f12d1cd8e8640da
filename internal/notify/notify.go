// Package notify delivers event documents to the fleet webhook. A
// circuit breaker plus bounded retries keep a dead endpoint cheap, and
// a buffered queue keeps delivery off the control loop entirely.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tbertani/soilguard/internal/model"
	"github.com/tbertani/soilguard/internal/model/wire"
)

const (
	queueDepth    = 64
	breakerFails  = 3
	breakerOpen   = 30 * time.Second
	breakerWindow = time.Minute
)

// Stats counts deliveries since boot.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// Webhook posts event documents to one HTTP endpoint. An empty URL
// disables it: Notify becomes a no-op.
type Webhook struct {
	url        string
	deviceID   string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	log        *zap.SugaredLogger

	queue chan wire.Event

	mu    sync.Mutex
	stats Stats
}

// New builds the notifier. timeout bounds each POST; maxRetries bounds
// the attempts per event beyond the first.
func New(url, deviceID string, timeout time.Duration, maxRetries int, log *zap.SugaredLogger) *Webhook {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Webhook{
		url:      url,
		deviceID: deviceID,
		client:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "webhook",
			Interval: breakerWindow,
			Timeout:  breakerOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerFails
			},
		}),
		maxRetries: maxRetries,
		log:        log,
		queue:      make(chan wire.Event, queueDepth),
	}
}

// Notify queues one event for delivery. It never blocks: with the queue
// full the event is dropped and counted.
func (w *Webhook) Notify(ev model.Event) {
	if w.url == "" {
		return
	}
	select {
	case w.queue <- wire.NewEvent(w.deviceID, ev):
	default:
		w.mu.Lock()
		w.stats.Dropped++
		w.mu.Unlock()
		w.log.Warnw("notification queue full, event dropped", "event", string(ev.Type))
	}
}

// Run delivers queued events until the context ends.
func (w *Webhook) Run(ctx context.Context) {
	if w.url == "" {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-w.queue:
			w.deliver(ctx, doc)
		}
	}
}

// Stats returns a copy of the delivery counters.
func (w *Webhook) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Webhook) deliver(ctx context.Context, doc wire.Event) {
	body, err := json.Marshal(doc)
	if err != nil {
		w.log.Errorw("encode event", "err", err)
		return
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.maxRetries)), ctx)
	err = backoff.Retry(func() error {
		_, err := w.breaker.Execute(func() (any, error) {
			return nil, w.post(ctx, body)
		})
		// An open breaker will not close within one event's retry
		// budget; give up now and let a later event probe it.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)

	w.mu.Lock()
	if err != nil {
		w.stats.Failed++
	} else {
		w.stats.Delivered++
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Warnw("event delivery failed", "event", doc.EventType, "err", err)
		return
	}
	w.log.Debugw("event delivered", "event", doc.EventType)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
