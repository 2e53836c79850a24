package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// subscriber tails the audit log for one configured webhook and posts new
// entries to it. Each subscriber runs its own loop and owns its cursor, so a
// stalled endpoint delays only its own deliveries. Delivery is at-least-once:
// a failed post leaves the cursor in place and the batch is retried.
type subscriber struct {
	engine engine.Engine
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
	cursor int64
}

// startEventNotifier launches one subscriber goroutine per enabled webhook.
func startEventNotifier(e engine.Engine) {
	if e.Config == nil {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultNotifyTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		s := &subscriber{
			engine: e,
			hook:   hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
			cursor: -1,
		}
		go s.run()
	}
}

func (s *subscriber) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		s.deliver()
		<-ticker.C
	}
}

func (s *subscriber) deliver() {
	ctx := context.Background()
	if s.cursor < 0 {
		// Start from the tail: subscribers see events recorded after startup.
		cur, err := s.engine.Repo.LatestEventID(ctx)
		if err != nil {
			log.Printf("notify: init cursor failed: %v", err)
			return
		}
		s.cursor = cur
	}
	events, err := s.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, s.cursor, s.hook.MissionID)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if s.filter.match(evt.Type) {
			if err := s.postEvent(ctx, evt); err != nil {
				log.Printf("notify: deliver to %s failed: %v", s.hook.URL, err)
				return
			}
		}
		s.cursor = evt.ID
	}
}

type notifyEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	MissionID  string          `json:"mission_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Version    int             `json:"version,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *subscriber) postEvent(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := notifyEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		MissionID:  evt.MissionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Version:    evt.Version,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Event", evt.Type)
	req.Header.Set("X-Missionline-Delivery", fmt.Sprintf("%d", evt.ID))
	if s.hook.MissionID != "" {
		req.Header.Set("X-Missionline-Mission", s.hook.MissionID)
	}
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches event types against a subscriber's allow-list; an
// empty list matches everything.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
