package types

import (
	"context"
	"time"
)

// Message is one inbound message as a channel saw it.
type Message struct {
	ID              string
	Channel         string // "telegram", "sms", "email"
	Sender          string
	SenderName      string
	Content         string
	Timestamp       time.Time
	ConversationKey string
	// HumanDirect marks text the operator typed to a counterpart themselves.
	HumanDirect bool
	Meta        map[string]interface{}
}

// Channel represents an input/output interface (Telegram, SMS, email)
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, recipient, content string) error
	ID() string
}

// DirectoryLookup is implemented by channels that can name a sender.
type DirectoryLookup interface {
	LookupDisplayName(ctx context.Context, identifier string) (string, bool)
}

// Gateway wires channels to the orchestrator
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}
