package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tasktalk/internal/config"
	"tasktalk/internal/domain"
	"tasktalk/internal/repo"
)

const (
	defaultRelayInterval  = 2 * time.Second
	defaultWebhookTimeout = 5 * time.Second
	defaultRelayBatch     = 100

	hubSink = -1
)

// EventRelay tails the events table and forwards new task events to the
// configured webhooks and, when Hub is set, to every open chat socket.
// Delivery is at least once per sink; a failing webhook is retried from the
// same event on the next tick.
type EventRelay struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Hub      *Hub
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// EventFrame is what socket clients receive for a relayed event.
type EventFrame struct {
	Type  string        `json:"type"`
	Event EventResponse `json:"event"`
}

// Active reports whether the relay has anywhere to deliver.
func (d *EventRelay) Active() bool {
	if d.Hub != nil {
		return true
	}
	for _, hook := range d.Webhooks {
		if hook.IsEnabled() && strings.TrimSpace(hook.URL) != "" {
			return true
		}
	}
	return false
}

// Run delivers events until ctx is done.
func (d *EventRelay) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs a single delivery pass over every sink. The first pass
// only records the current head so history is never replayed.
func (d *EventRelay) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
	if d.Hub != nil {
		d.dispatchHub(ctx)
	}
}

func (d *EventRelay) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *EventRelay) pending(ctx context.Context, sink int) ([]domain.Event, bool) {
	cursor, fresh := d.cursorFor(ctx, sink)
	if fresh {
		return nil, false
	}
	events, err := d.Repo.EventsAfter(ctx, defaultRelayBatch, cursor)
	if err != nil {
		d.logger().Warn("relay: fetch events failed", "err", err)
		return nil, false
	}
	return events, len(events) > 0
}

func (d *EventRelay) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	events, ok := d.pending(ctx, idx)
	if !ok {
		return
	}
	for _, evt := range events {
		if !hook.Wants(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger().Warn("webhook delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *EventRelay) dispatchHub(ctx context.Context) {
	events, ok := d.pending(ctx, hubSink)
	if !ok {
		return
	}
	for _, evt := range events {
		if err := d.Hub.Broadcast(ctx, EventFrame{Type: "event", Event: eventResponse(evt)}); err != nil {
			d.logger().Debug("event broadcast incomplete", "event", evt.ID, "err", err)
		}
		d.setCursor(hubSink, evt.ID)
	}
}

// cursorFor returns the sink's cursor, initializing it to the latest event ID
// on first use. fresh is true when it was just initialized.
func (d *EventRelay) cursorFor(ctx context.Context, sink int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[sink]; ok {
		return cur, false
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger().Warn("relay: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[sink] = cur
	return cur, true
}

func (d *EventRelay) setCursor(sink int, value int64) {
	d.mu.Lock()
	d.cursors[sink] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Source     string          `json:"source"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *EventRelay) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Source:     evt.Source,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tasktalk-Event", evt.Type)
	req.Header.Set("X-Tasktalk-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tasktalk-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
