package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"switchboard/app/core/orchestrator/task"
	"switchboard/app/pkg/types"

	"github.com/tidwall/gjson"
)

const defaultAPIBaseURL = "https://api.telnyx.com"

const maxWebhookBody = 1 << 20

type Config struct {
	APIKey     string
	APIBaseURL string
	FromNumber string
	// Directory maps phone numbers to display names.
	Directory  map[string]string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Channel receives Telnyx message webhooks and sends through the Telnyx messaging API.
// Inbound traffic arrives through ServeHTTP, which the admin server mounts.
type Channel struct {
	cfg       Config
	client    *http.Client
	directory map[string]string

	mu      sync.RWMutex
	handler func(types.Message)
}

func NewChannel(cfg Config) *Channel {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	directory := make(map[string]string, len(cfg.Directory))
	for number, name := range cfg.Directory {
		if key := task.NormalizeIdentifier(number); key != "" && strings.TrimSpace(name) != "" {
			directory[key] = strings.TrimSpace(name)
		}
	}
	return &Channel{cfg: cfg, client: client, directory: directory}
}

func (c *Channel) ID() string {
	return string(task.ChannelSMS)
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return nil
}

func (c *Channel) Send(ctx context.Context, recipient, content string) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" || strings.TrimSpace(c.cfg.FromNumber) == "" {
		return fmt.Errorf("sms is not configured: api key and from number are required")
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("sms recipient is required")
	}

	body, err := json.Marshal(map[string]string{
		"from": c.cfg.FromNumber,
		"to":   recipient,
		"text": content,
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/v2/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		detail := gjson.GetBytes(respBody, "errors.0.detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("telnyx api status=%d: %s", resp.StatusCode, detail)
	}
	log.Printf("[SMS] sent to %s id=%s", recipient, gjson.GetBytes(respBody, "data.id").String())
	return nil
}

func (c *Channel) LookupDisplayName(_ context.Context, identifier string) (string, bool) {
	name, ok := c.directory[task.NormalizeIdentifier(identifier)]
	return name, ok
}

func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "reason": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid JSON payload"})
		return
	}

	msg, ok := c.parseWebhook(body)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "not inbound message"})
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "reason": "sms channel not started"})
		return
	}

	handler(msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "message_id": msg.ID})
}

// parseWebhook keeps inbound message events that name both phone numbers.
func (c *Channel) parseWebhook(body []byte) (types.Message, bool) {
	data := gjson.GetBytes(body, "data")
	payload := data.Get("payload")
	if payload.Get("direction").String() != "inbound" {
		return types.Message{}, false
	}
	eventType := data.Get("event_type").String()
	if eventType != "message.received" && eventType != "message.finalized" &&
		!strings.Contains(strings.ToLower(eventType), "received") {
		return types.Message{}, false
	}

	from := payload.Get("from.phone_number").String()
	to := payload.Get("to.0.phone_number").String()
	if to == "" {
		to = payload.Get("to.phone_number").String()
	}
	if from == "" || to == "" {
		return types.Message{}, false
	}

	timestamp := c.cfg.Now().UTC()
	if raw := payload.Get("received_at").String(); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			timestamp = parsed.UTC()
		}
	}

	telnyxID := data.Get("id").String()
	if telnyxID == "" {
		telnyxID = payload.Get("id").String()
	}
	var media []string
	payload.Get("media.#.url").ForEach(func(_, value gjson.Result) bool {
		if url := value.String(); url != "" {
			media = append(media, url)
		}
		return true
	})

	meta := map[string]interface{}{"to_number": to}
	if telnyxID != "" {
		meta["telnyx_id"] = telnyxID
	}
	if len(media) > 0 {
		meta["media_urls"] = media
	}

	name, _ := c.LookupDisplayName(context.Background(), from)
	return types.Message{
		ID:              fmt.Sprintf("sms_%d_%s", timestamp.Unix(), from),
		Channel:         c.ID(),
		Sender:          from,
		SenderName:      name,
		Content:         payload.Get("text").String(),
		Timestamp:       timestamp,
		ConversationKey: "sms:" + task.NormalizeIdentifier(from),
		Meta:            meta,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
