package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"switchboard/app/core/orchestrator/task"
	"switchboard/app/pkg/types"
)

const defaultAPIRoot = "https://api.telegram.org"

type Config struct {
	BotToken       string
	PollInterval   time.Duration
	TimeoutSeconds int
	APIRoot        string
	// OperatorUserIDs are the operator's own accounts. Their messages in any
	// chat other than OperatorChatID are recorded as human-direct.
	OperatorUserIDs []int64
	OperatorChatID  int64
}

type Channel struct {
	cfg       Config
	id        string
	operators map[int64]struct{}

	counter uint64
	offset  int64

	mu      sync.RWMutex
	handler func(types.Message)
	chats   map[string]int64
	names   map[string]string
}

func NewChannel(cfg Config) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	operators := make(map[int64]struct{}, len(cfg.OperatorUserIDs))
	for _, id := range cfg.OperatorUserIDs {
		operators[id] = struct{}{}
	}
	return &Channel{
		cfg:       cfg,
		id:        string(task.ChannelTelegram),
		operators: operators,
		chats:     map[string]int64{},
		names:     map[string]string{},
	}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Telegram] poll error: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Send delivers text to a numeric chat id or to an @username seen earlier.
func (c *Channel) Send(ctx context.Context, recipient, content string) error {
	chatID, err := c.resolveChat(recipient)
	if err != nil {
		return err
	}
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    content,
	}, nil)
}

// NotifyOperator posts to the operator's own chat.
func (c *Channel) NotifyOperator(ctx context.Context, text string) error {
	if c.cfg.OperatorChatID == 0 {
		return fmt.Errorf("telegram operator chat id is not configured")
	}
	return c.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": c.cfg.OperatorChatID,
		"text":    text,
	}, nil)
}

func (c *Channel) LookupDisplayName(_ context.Context, identifier string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[task.NormalizeIdentifier(identifier)]
	return name, ok && name != ""
}

func (c *Channel) resolveChat(recipient string) (interface{}, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if id, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return id, nil
	}
	c.mu.RLock()
	id, ok := c.chats[task.NormalizeIdentifier(recipient)]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	if !strings.HasPrefix(recipient, "@") {
		recipient = "@" + recipient
	}
	return recipient, nil
}

func (c *Channel) pollOnce(ctx context.Context) error {
	result := getUpdatesResponse{}
	offset := atomic.LoadInt64(&c.offset)
	payload := map[string]interface{}{
		"timeout": c.cfg.TimeoutSeconds,
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	if err := c.call(ctx, "getUpdates", payload, &result); err != nil {
		return err
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return nil
	}

	for _, upd := range result.Result {
		if upd.UpdateID >= atomic.LoadInt64(&c.offset) {
			atomic.StoreInt64(&c.offset, upd.UpdateID+1)
		}
		if upd.Message.MessageID == 0 {
			continue
		}
		if strings.TrimSpace(upd.Message.Text) == "" && strings.TrimSpace(upd.Message.Caption) == "" {
			continue
		}
		handler(c.toMessage(upd))
	}
	return nil
}

func (c *Channel) toMessage(upd update) types.Message {
	m := upd.Message
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}

	_, fromOperator := c.operators[m.From.ID]
	humanDirect := fromOperator && m.Chat.ID != c.cfg.OperatorChatID

	sender := handle(m.From.Username, m.From.ID)
	senderName := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if humanDirect {
		// The counterpart is whoever owns the chat the operator wrote in.
		sender = handle(m.Chat.Username, m.Chat.ID)
		senderName = strings.TrimSpace(m.Chat.FirstName + " " + m.Chat.LastName)
	}
	c.remember(sender, m.Chat.ID, senderName)

	return types.Message{
		ID:              c.newID("telegram"),
		Channel:         c.id,
		Sender:          sender,
		SenderName:      senderName,
		Content:         text,
		Timestamp:       time.Unix(m.Date, 0).UTC(),
		ConversationKey: "telegram:" + strconv.FormatInt(m.Chat.ID, 10),
		HumanDirect:     humanDirect,
		Meta: map[string]interface{}{
			"chat_id":    m.Chat.ID,
			"user_id":    m.From.ID,
			"message_id": m.MessageID,
		},
	}
}

func (c *Channel) remember(sender string, chatID int64, name string) {
	key := task.NormalizeIdentifier(sender)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[key] = chatID
	if name != "" {
		c.names[key] = name
	}
}

func handle(username string, id int64) string {
	if u := strings.TrimSpace(username); u != "" {
		return "@" + u
	}
	return strconv.FormatInt(id, 10)
}

func (c *Channel) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var base apiResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return err
	}
	if !base.OK {
		return fmt.Errorf("telegram api error: %s", base.Description)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) newID(prefix string) string {
	seq := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type getUpdatesResponse struct {
	apiResponse
	Result []update `json:"result"`
}

type update struct {
	UpdateID int64           `json:"update_id"`
	Message  telegramMessage `json:"message"`
}

type telegramPeer struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	Date      int64        `json:"date"`
	From      telegramPeer `json:"from"`
	Chat      telegramPeer `json:"chat"`
	Text      string       `json:"text"`
	Caption   string       `json:"caption"`
}
