package email

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"switchboard/app/pkg/types"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	body string
}

func newTestChannel() (*Channel, *[]types.Message, *[]capturedMail) {
	ch := NewChannel(Config{SMTPHost: "smtp.example.com", Username: "bot", Password: "pw", From: "bot@example.com"})
	got := &[]types.Message{}
	sent := &[]capturedMail{}
	ch.handler = func(msg types.Message) { *got = append(*got, msg) }
	ch.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, capturedMail{addr: addr, from: from, to: to, body: string(msg)})
		return nil
	}
	return ch, got, sent
}

func post(ch *Channel, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ch.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(body)))
	return rec
}

func TestWebhookConvertsHTMLBody(t *testing.T) {
	ch, got, _ := newTestChannel()

	rec := post(ch, `{"from":"Pat Plumber <Pat@Example.com>","subject":"Quote","html":"<html><head><style>p{}</style></head><body><p>Hi there</p><p>Tuesday   works</p></body></html>","message_id":"<abc@mail>"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(*got) != 1 {
		t.Fatalf("expected one message, got %d", len(*got))
	}
	msg := (*got)[0]
	if msg.Content != "Hi there\nTuesday works" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if msg.Sender != "Pat@Example.com" || msg.SenderName != "Pat Plumber" {
		t.Fatalf("unexpected sender: %+v", msg)
	}
	if msg.ConversationKey != "email:pat@example.com" || msg.ID != "abc@mail" {
		t.Fatalf("unexpected ids: %+v", msg)
	}
	if name, ok := ch.LookupDisplayName(context.Background(), "pat@example.com"); !ok || name != "Pat Plumber" {
		t.Fatalf("expected remembered name, got %q %v", name, ok)
	}
}

func TestWebhookPrefersThreadID(t *testing.T) {
	ch, got, _ := newTestChannel()
	rec := post(ch, `{"from":"a@example.com","text":"hello","thread_id":"t-42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if (*got)[0].ConversationKey != "email:t-42" {
		t.Fatalf("unexpected conversation key: %s", (*got)[0].ConversationKey)
	}
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	ch, got, _ := newTestChannel()
	for _, body := range []string{`{bad`, `{"from":"not an address","text":"x"}`, `{"from":"a@example.com"}`} {
		if rec := post(ch, body); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
	if len(*got) != 0 {
		t.Fatalf("expected no dispatch, got %d", len(*got))
	}
}

func TestSendThreadsReply(t *testing.T) {
	ch, _, sent := newTestChannel()
	post(ch, `{"from":"pat@example.com","subject":"Quote","text":"hi","message_id":"<abc@mail>"}`)

	if err := ch.Send(context.Background(), "pat@example.com", "Tuesday it is.\nThanks"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(*sent))
	}
	m := (*sent)[0]
	if m.addr != "smtp.example.com:587" || m.from != "bot@example.com" || m.to[0] != "pat@example.com" {
		t.Fatalf("unexpected envelope: %+v", m)
	}
	for _, want := range []string{"Subject: Re: Quote\r\n", "In-Reply-To: <abc@mail>\r\n", "Tuesday it is.\r\nThanks"} {
		if !strings.Contains(m.body, want) {
			t.Fatalf("expected %q in body:\n%s", want, m.body)
		}
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	ch := NewChannel(Config{})
	if err := ch.Send(context.Background(), "pat@example.com", "x"); err == nil {
		t.Fatal("expected configuration error")
	}
	configured, _, _ := newTestChannel()
	if err := configured.Send(context.Background(), "not-an-address", "x"); err == nil {
		t.Fatal("expected recipient error")
	}
}

func TestHTMLToTextSkipsScripts(t *testing.T) {
	text, err := HTMLToText(`<div>one<script>alert(1)</script></div><ul><li>two</li><li>three</li></ul>`)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if text != "one\ntwo\nthree" {
		t.Fatalf("unexpected text: %q", text)
	}
}
