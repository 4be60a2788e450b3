package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"switchboard/app/pkg/types"
)

func updatesServer(t *testing.T, updates []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": updates})
	}))
}

func TestPollOnceDispatchesMessage(t *testing.T) {
	server := updatesServer(t, []map[string]interface{}{
		{
			"update_id": 101,
			"message": map[string]interface{}{
				"message_id": 77,
				"date":       1767225600,
				"text":       "hello",
				"from":       map[string]interface{}{"id": 11, "username": "dana", "first_name": "Dana"},
				"chat":       map[string]interface{}{"id": 22},
			},
		},
	})
	defer server.Close()

	var got []types.Message
	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL})
	ch.handler = func(msg types.Message) { got = append(got, msg) }

	if err := ch.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one message, got %d", len(got))
	}
	msg := got[0]
	if msg.Channel != "telegram" || msg.Sender != "@dana" || msg.SenderName != "Dana" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.ConversationKey != "telegram:22" || msg.HumanDirect {
		t.Fatalf("unexpected conversation data: %+v", msg)
	}
	if ch.offset != 102 {
		t.Fatalf("expected offset advanced, got %d", ch.offset)
	}
	if name, ok := ch.LookupDisplayName(context.Background(), "@Dana"); !ok || name != "Dana" {
		t.Fatalf("expected remembered name, got %q %v", name, ok)
	}
}

func TestOperatorMessageOutsideOperatorChatIsHumanDirect(t *testing.T) {
	server := updatesServer(t, []map[string]interface{}{
		{
			"update_id": 5,
			"message": map[string]interface{}{
				"message_id": 1,
				"text":       "thanks, all set",
				"from":       map[string]interface{}{"id": 900, "username": "owner"},
				"chat":       map[string]interface{}{"id": 33, "username": "plumber", "first_name": "Pat"},
			},
		},
		{
			"update_id": 6,
			"message": map[string]interface{}{
				"message_id": 2,
				"text":       "RESET RESTRICTION",
				"from":       map[string]interface{}{"id": 900, "username": "owner"},
				"chat":       map[string]interface{}{"id": 1000},
			},
		},
	})
	defer server.Close()

	var got []types.Message
	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL, OperatorUserIDs: []int64{900}, OperatorChatID: 1000})
	ch.handler = func(msg types.Message) { got = append(got, msg) }

	if err := ch.pollOnce(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two messages, got %d", len(got))
	}
	if !got[0].HumanDirect || got[0].Sender != "@plumber" || got[0].ConversationKey != "telegram:33" {
		t.Fatalf("expected human-direct message attributed to the counterpart, got %+v", got[0])
	}
	if got[1].HumanDirect || got[1].Sender != "@owner" {
		t.Fatalf("operator chat messages are ordinary inbound, got %+v", got[1])
	}
}

func TestSendResolvesKnownUsername(t *testing.T) {
	var payloads []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		payloads = append(payloads, payload)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": map[string]interface{}{}})
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL, OperatorChatID: 1000})
	ch.remember("@dana", 22, "Dana")

	if err := ch.Send(context.Background(), "@Dana", "pong"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := ch.Send(context.Background(), "44", "ping"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := ch.NotifyOperator(context.Background(), "heads up"); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if len(payloads) != 3 {
		t.Fatalf("expected three API calls, got %d", len(payloads))
	}
	if payloads[0]["chat_id"] != float64(22) || payloads[0]["text"] != "pong" {
		t.Fatalf("unexpected first payload: %v", payloads[0])
	}
	if payloads[1]["chat_id"] != float64(44) {
		t.Fatalf("unexpected numeric chat id: %v", payloads[1]["chat_id"])
	}
	if payloads[2]["chat_id"] != float64(1000) {
		t.Fatalf("expected operator chat, got %v", payloads[2]["chat_id"])
	}
}

func TestSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "description": "chat not found"})
	}))
	defer server.Close()

	ch := NewChannel(Config{BotToken: "token", APIRoot: server.URL})
	err := ch.Send(context.Background(), "22", "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
	if err := ch.NotifyOperator(context.Background(), "x"); err == nil {
		t.Fatal("expected error without operator chat")
	}
}
