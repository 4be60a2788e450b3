package email

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"switchboard/app/core/orchestrator/task"
	"switchboard/app/pkg/types"

	"github.com/google/uuid"
)

const maxWebhookBody = 4 << 20

type Config struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	Now      func() time.Time
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Channel accepts inbound mail as JSON webhooks and replies over SMTP.
type Channel struct {
	cfg      Config
	sendMail sendFunc

	mu      sync.RWMutex
	handler func(types.Message)
	threads map[string]thread
}

// thread is the last inbound message seen from an address, used to thread replies.
type thread struct {
	subject   string
	messageID string
	name      string
}

type inboundPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Date      string `json:"date"`
}

func NewChannel(cfg Config) *Channel {
	if cfg.SMTPPort <= 0 {
		cfg.SMTPPort = 587
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Channel{cfg: cfg, sendMail: smtp.SendMail, threads: map[string]thread{}}
}

func (c *Channel) ID() string {
	return string(task.ChannelEmail)
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

func (c *Channel) Send(_ context.Context, recipient, content string) error {
	if strings.TrimSpace(c.cfg.SMTPHost) == "" || strings.TrimSpace(c.cfg.From) == "" {
		return fmt.Errorf("email is not configured: smtp host and from address are required")
	}
	to, err := mail.ParseAddress(strings.TrimSpace(recipient))
	if err != nil {
		return fmt.Errorf("invalid email recipient %q: %w", recipient, err)
	}

	c.mu.RLock()
	prev := c.threads[task.NormalizeIdentifier(to.Address)]
	c.mu.RUnlock()

	msg := c.compose(to.Address, prev, content)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}
	addr := net.JoinHostPort(c.cfg.SMTPHost, strconv.Itoa(c.cfg.SMTPPort))
	if err := c.sendMail(addr, auth, c.cfg.From, []string{to.Address}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to.Address, err)
	}
	log.Printf("[Email] sent to %s", to.Address)
	return nil
}

func (c *Channel) compose(to string, prev thread, content string) []byte {
	subject := "Following up"
	if prev.subject != "" {
		subject = prev.subject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", c.cfg.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@switchboard>\r\n", uuid.NewString())
	if prev.messageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", prev.messageID)
		fmt.Fprintf(&b, "References: %s\r\n", prev.messageID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (c *Channel) LookupDisplayName(_ context.Context, identifier string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[task.NormalizeIdentifier(identifier)]
	return t.name, ok && t.name != ""
}

func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "reason": "method not allowed"})
		return
	}
	var payload inboundPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "invalid JSON payload"})
		return
	}

	msg, err := c.toMessage(payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": err.Error()})
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "reason": "email channel not started"})
		return
	}

	handler(msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "message_id": msg.ID})
}

func (c *Channel) toMessage(p inboundPayload) (types.Message, error) {
	from, err := mail.ParseAddress(strings.TrimSpace(p.From))
	if err != nil {
		return types.Message{}, fmt.Errorf("invalid from address")
	}

	body := strings.TrimSpace(p.Text)
	if body == "" && strings.TrimSpace(p.HTML) != "" {
		body, err = HTMLToText(p.HTML)
		if err != nil {
			return types.Message{}, fmt.Errorf("unreadable html body")
		}
	}
	subject := strings.TrimSpace(p.Subject)
	if body == "" {
		body = subject
	}
	if body == "" {
		return types.Message{}, fmt.Errorf("empty message")
	}

	timestamp := c.cfg.Now().UTC()
	if p.Date != "" {
		if parsed, err := mail.ParseDate(p.Date); err == nil {
			timestamp = parsed.UTC()
		} else if parsed, err := time.Parse(time.RFC3339, p.Date); err == nil {
			timestamp = parsed.UTC()
		}
	}

	address := task.NormalizeIdentifier(from.Address)
	key := "email:" + address
	if thread := strings.TrimSpace(p.ThreadID); thread != "" {
		key = "email:" + thread
	}

	c.mu.Lock()
	c.threads[address] = thread{subject: subject, messageID: strings.TrimSpace(p.MessageID), name: from.Name}
	c.mu.Unlock()

	id := strings.Trim(strings.TrimSpace(p.MessageID), "<>")
	if id == "" {
		id = "email_" + uuid.NewString()
	}
	return types.Message{
		ID:              id,
		Channel:         c.ID(),
		Sender:          from.Address,
		SenderName:      from.Name,
		Content:         body,
		Timestamp:       timestamp,
		ConversationKey: key,
		Meta: map[string]interface{}{
			"subject": subject,
			"to":      p.To,
		},
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
