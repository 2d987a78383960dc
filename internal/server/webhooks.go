package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cdk/internal/config"
	"cdk/internal/domain"
	"cdk/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	webhookBatchSize       = 100

	signatureHeader = "X-Cdk-Signature"
	eventHeader     = "X-Cdk-Event"
	deliveryHeader  = "X-Cdk-Delivery"
)

// hookTarget is one enabled webhook and how far it has been fed.
type hookTarget struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client

	mu     sync.Mutex
	primed bool
	lastID int64
}

type webhookDispatcher struct {
	engine   engine.Engine
	targets  []*hookTarget
	interval time.Duration
}

// StartWebhooks forwards audit events to the configured hooks until ctx
// ends. Each hook starts at the newest event present at startup.
func StartWebhooks(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := newWebhookDispatcher(e, defaultWebhookInterval)
	if len(d.targets) == 0 {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, interval time.Duration) *webhookDispatcher {
	d := &webhookDispatcher{engine: e, interval: interval}
	for _, hook := range e.Config.Webhooks {
		if t := newHookTarget(hook); t != nil {
			d.targets = append(d.targets, t)
		}
	}
	return d
}

func newHookTarget(hook config.WebhookConfig) *hookTarget {
	url := strings.TrimSpace(hook.URL)
	if url == "" || (hook.Enabled != nil && !*hook.Enabled) {
		return nil
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &hookTarget{
		url:    url,
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, t := range d.targets {
		if ctx.Err() != nil {
			return
		}
		d.feed(ctx, t)
	}
}

// feed delivers the target's pending events in id order. A failed delivery
// stops the batch; the next tick retries from the same event.
func (d *webhookDispatcher) feed(ctx context.Context, t *hookTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := log.WithField("url", t.url)
	if !t.primed {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			logger.WithError(err).Warn("webhook: read latest event")
			return
		}
		t.lastID, t.primed = latest, true
		return
	}
	pending, err := d.engine.Repo.EventsAfter(ctx, t.lastID, "", webhookBatchSize)
	if err != nil {
		logger.WithError(err).Warn("webhook: fetch events")
		return
	}
	for _, evt := range pending {
		if t.filter.match(evt.Type) {
			if err := t.deliver(ctx, evt); err != nil {
				logger.WithError(err).WithField("event_id", evt.ID).Warn("webhook: delivery failed")
				return
			}
		}
		t.lastID = evt.ID
	}
}

// webhookEvent is the JSON body posted to a hook.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func toWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

func (t *hookTarget) deliver(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(toWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, evt.Type)
	req.Header.Set(deliveryHeader, strconv.FormatInt(evt.ID, 10))
	if t.secret != "" {
		req.Header.Set(signatureHeader, "sha256="+sign(t.secret, body))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("hook answered %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types against glob patterns such as
// "item.claimed" or "project.*". No patterns means every event.
type eventFilter []string

func newEventFilter(patterns []string) eventFilter {
	var f eventFilter
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if ok, _ := path.Match(p, evtType); ok {
			return true
		}
	}
	return false
}
