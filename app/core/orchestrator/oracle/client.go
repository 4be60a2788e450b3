package oracle

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrUnavailable covers a missing client and transport failures.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrMalformed covers empty, non-JSON and shapeless responses.
	ErrMalformed = errors.New("oracle response malformed")
)

const (
	tokenPriceInput  = 0.01
	tokenPriceOutput = 0.03
)

type Prompt struct {
	System string
	User   string
	// JSON asks the provider for a JSON object response when it supports one.
	JSON bool
}

type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

func (c Completion) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}

// Client is one completion provider.
type Client interface {
	Name() string
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}

// EstimateCost prices a call in USD per thousand input and output tokens.
func EstimateCost(inputTokens, outputTokens int64) float64 {
	cost := float64(inputTokens)/1000*tokenPriceInput + float64(outputTokens)/1000*tokenPriceOutput
	return math.Round(cost*1e6) / 1e6
}
