package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"switchboard/app/core/orchestrator/execlog"
	"switchboard/app/core/orchestrator/task"
)

func TestMain(m *testing.M) {
	execlog.SetDir("")
	os.Exit(m.Run())
}

type fakeClient struct {
	text   string
	err    error
	prompt Prompt
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	f.prompt = prompt
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.text, InputTokens: 1000, OutputTokens: 1000}, nil
}

func TestOracleWithoutClientIsUnavailable(t *testing.T) {
	var o *Oracle
	if o.Available() {
		t.Fatal("nil oracle must not be available")
	}
	if _, err := New(nil).Decide(context.Background(), DecisionRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOracleDecideBuildsContextAndCountsTokens(t *testing.T) {
	client := &fakeClient{text: `{"command":{"type":"NOOP"}}`}
	o := New(client)

	decision, err := o.Decide(context.Background(), DecisionRequest{
		Trigger: TriggerEvent,
		Task:    task.Task{ID: "jorb_ab12cd34", Name: "dinner", Plan: "book a table"},
		Messages: []task.Message{
			{Direction: task.DirectionInbound, Channel: task.ChannelSMS, Sender: "+15550100199", SenderName: "Sam", Content: "any luck?"},
		},
		Event: &EventContext{Channel: "sms", Sender: "+15550100199", Content: "any luck?"},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if _, ok := decision.Action.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", decision.Action)
	}
	if decision.TokensUsed != 2000 || decision.EstimatedCost != 0.04 {
		t.Fatalf("unexpected usage: tokens=%d cost=%f", decision.TokensUsed, decision.EstimatedCost)
	}
	if !client.prompt.JSON || !strings.Contains(client.prompt.User, `"plan": "book a table"`) || !strings.Contains(client.prompt.User, `"sender": "Sam"`) {
		t.Fatalf("unexpected prompt: %+v", client.prompt)
	}
}

func TestOracleDecideEmptyResponseIsMalformed(t *testing.T) {
	o := New(&fakeClient{text: "   "})
	if _, err := o.Decide(context.Background(), DecisionRequest{Task: task.Task{ID: "jorb_1"}}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOracleRouteOverOpenAICompatibleEndpoint(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		_ = json.Unmarshal(body, &req)
		if req["model"] != "route-model" {
			t.Errorf("unexpected model: %v", req["model"])
		}
		if format, _ := req["response_format"].(map[string]interface{}); format["type"] != "json_object" {
			t.Errorf("expected json_object response format, got %v", req["response_format"])
		}

		content := `{"routing":{"jorb_id":"jorb_ab12cd34","confidence":"medium","reasoning":"venue match"},"signals":{"is_spam":false}}`
		resp := map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "route-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			}},
			"usage": map[string]interface{}{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1/", Model: "route-model"})
	if err != nil {
		t.Fatalf("new openai client failed: %v", err)
	}
	result, err := New(client).Route(context.Background(), RouteRequest{
		Channel: "sms",
		Sender:  "+15550100199",
		Content: "did they confirm?",
		Candidates: []RouteCandidate{
			{ID: "jorb_ab12cd34", Name: "dinner", Status: "running"},
		},
	})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if result.TaskID != "jorb_ab12cd34" || result.Confidence != ConfidenceMedium || result.TokensUsed != 150 {
		t.Fatalf("unexpected route result: %+v", result)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestOpenAIClientSurfacesTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1/"})
	if err != nil {
		t.Fatalf("new openai client failed: %v", err)
	}
	if _, err := client.Complete(context.Background(), Prompt{User: "hi"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewClientProviders(t *testing.T) {
	client, err := NewClient(context.Background(), FactoryConfig{Provider: ProviderNone}, Credentials{})
	if err != nil || client != nil {
		t.Fatalf("expected nil client for none provider, got %v %v", client, err)
	}
	if _, err := NewClient(context.Background(), FactoryConfig{Provider: ProviderOpenAI}, Credentials{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewClient(context.Background(), FactoryConfig{Provider: "carrier-pigeon"}, Credentials{}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestEstimateCost(t *testing.T) {
	if got := EstimateCost(2000, 1000); got != 0.05 {
		t.Fatalf("unexpected cost: %f", got)
	}
}

func TestDecisionPromptCarriesCheckpoints(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prompt, err := buildDecisionPrompt(DecisionRequest{
		Trigger: TriggerWake,
		Task:    task.Task{ID: "jorb_ab12cd34", Name: "permit", Plan: "renew the parking permit"},
		Checkpoints: []task.Checkpoint{
			{ID: "ckpt_00000001", TaskID: "jorb_ab12cd34", Timestamp: at, Summary: "Form submitted, waiting on the city"},
		},
	})
	if err != nil {
		t.Fatalf("build prompt failed: %v", err)
	}
	body := strings.TrimPrefix(prompt, "Decide the next step:\n\n")
	var doc struct {
		Checkpoints []struct {
			Timestamp time.Time `json:"timestamp"`
			Summary   string    `json:"summary"`
		} `json:"checkpoints"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode prompt failed: %v", err)
	}
	if len(doc.Checkpoints) != 1 || doc.Checkpoints[0].Summary != "Form submitted, waiting on the city" || !doc.Checkpoints[0].Timestamp.Equal(at) {
		t.Fatalf("unexpected checkpoints in prompt: %+v", doc.Checkpoints)
	}
	if strings.Contains(body, "ckpt_00000001") {
		t.Fatal("checkpoint ids should stay out of the prompt")
	}

	bare, err := buildDecisionPrompt(DecisionRequest{Task: task.Task{ID: "jorb_ab12cd34"}})
	if err != nil {
		t.Fatalf("build prompt failed: %v", err)
	}
	if strings.Contains(bare, `"checkpoints"`) {
		t.Fatalf("prompt without checkpoints should omit the key: %s", bare)
	}
}
