package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/patternlens/internal/cache"
)

type scriptedResponse struct {
	content string
	err     error
}

// scriptedProvider replays responses in order, repeating the last one
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []CompletionRequest
	block     bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r := p.responses[len(p.responses)-1]
	if n < len(p.responses) {
		r = p.responses[n]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &CompletionResponse{Content: r.content}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func noSleep(t *testing.T) {
	t.Helper()
	orig := sleepFunc
	sleepFunc = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { sleepFunc = orig })
}

func testClientConfig() Config {
	return Config{
		Model:       "test-model",
		Timeout:     time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		Samples:     1,
	}
}

var paxRequest = ExtractRequest{
	Fragment: `<Pax PaxID="PAX1"><PTC>ADT</PTC></Pax>`,
	Hint:     SchemaHint{Version: "21.3", MessageRoot: "OrderViewRS", Section: "DataLists/PaxList/Pax", NodeType: "Pax"},
}

func TestClient_Extract_StripsFences(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "```json\n{\"node_type\":\"Pax\",\"attributes\":{\"PaxID\":\"PAX1\"}}\n```"},
	}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	facts, err := client.Extract(context.Background(), paxRequest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if facts.NodeType != "Pax" || facts.Attributes["PaxID"] != "PAX1" {
		t.Errorf("Unexpected facts: %+v", facts)
	}
}

func TestClient_Extract_RetriesTransient(t *testing.T) {
	noSleep(t)
	provider := &scriptedProvider{responses: []scriptedResponse{
		{err: ErrTransient},
		{err: ErrTransient},
		{content: `{"node_type":"Pax","attributes":{}}`},
	}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	if _, err := client.Extract(context.Background(), paxRequest); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if provider.calls() != 3 {
		t.Errorf("Expected 3 calls, got %d", provider.calls())
	}
	if client.Retries() != 2 {
		t.Errorf("Expected 2 retries, got %d", client.Retries())
	}
}

func TestClient_Extract_TransientExhausted(t *testing.T) {
	noSleep(t)
	provider := &scriptedProvider{responses: []scriptedResponse{{err: ErrTransient}}}
	config := testClientConfig()
	config.MaxRetries = 2
	client := NewClient(provider, config, nil, nil, nil)

	_, err := client.Extract(context.Background(), paxRequest)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if provider.calls() != 3 {
		t.Errorf("Expected 1 call + 2 retries, got %d calls", provider.calls())
	}
}

func TestClient_Extract_PermanentErrorNotRetried(t *testing.T) {
	noSleep(t)
	permanent := errors.New("unauthorized")
	provider := &scriptedProvider{responses: []scriptedResponse{{err: permanent}}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	_, err := client.Extract(context.Background(), paxRequest)
	if !errors.Is(err, permanent) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if provider.calls() != 1 {
		t.Errorf("Expected 1 call, got %d", provider.calls())
	}
}

func TestClient_Extract_CorrectiveRetry(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"attributes":{}}`},
		{content: `{"node_type":"Pax","attributes":{}}`},
	}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	facts, err := client.Extract(context.Background(), paxRequest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if facts.NodeType != "Pax" {
		t.Errorf("Expected corrected node type, got %q", facts.NodeType)
	}

	second := provider.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("Expected correction conversation of 3 messages, got %d", len(second.Messages))
	}
	if second.Messages[1].Role != "assistant" || second.Messages[1].Content != `{"attributes":{}}` {
		t.Errorf("Expected rejected answer echoed back, got %+v", second.Messages[1])
	}
}

func TestClient_Extract_InvalidAfterCorrection(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{content: "I cannot help with that"}}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	_, err := client.Extract(context.Background(), paxRequest)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("Expected invalid response error, got %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("Expected exactly one corrective retry, got %d calls", provider.calls())
	}
}

func TestClient_Extract_UsesCache(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{content: `{"node_type":"Pax","attributes":{}}`}}}
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	client := NewClient(provider, testClientConfig(), nil, c, nil)

	for i := 0; i < 3; i++ {
		if _, err := client.Extract(context.Background(), paxRequest); err != nil {
			t.Fatalf("Extract %d failed: %v", i, err)
		}
	}
	if provider.calls() != 1 {
		t.Errorf("Expected cached responses after first call, got %d calls", provider.calls())
	}
}

func TestClient_Extract_MergesSamples(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"node_type":"Pax","attributes":{"PaxID":"PAX1","PTC":"ADT"},"references":{"SegmentRefs":"S1"}}`},
		{content: `{"node_type":"Passenger","attributes":{"PaxID":"PAX1"}}`},
		{content: `{"node_type":"Pax","attributes":{"PaxID":"PAX1","Extra":"x"},"references":{"ContactInfoRefID":"C1"}}`},
	}}
	config := testClientConfig()
	config.Samples = 3
	client := NewClient(provider, config, nil, nil, nil)

	facts, err := client.Extract(context.Background(), paxRequest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if facts.NodeType != "Pax" {
		t.Errorf("Expected majority node type Pax, got %q", facts.NodeType)
	}
	if len(facts.Attributes) != 1 || facts.Attributes["PaxID"] != "PAX1" {
		t.Errorf("Expected attribute intersection {PaxID}, got %v", facts.Attributes)
	}
	if len(facts.References) != 2 {
		t.Errorf("Expected reference union, got %v", facts.References)
	}
}

func TestClient_Extract_PerCallTimeoutIsTransient(t *testing.T) {
	noSleep(t)
	provider := &scriptedProvider{block: true, responses: []scriptedResponse{{}}}
	config := testClientConfig()
	config.Timeout = 10 * time.Millisecond
	config.MaxRetries = 1
	client := NewClient(provider, config, nil, nil, nil)

	_, err := client.Extract(context.Background(), paxRequest)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Expected transient timeout error, got %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("Expected timeout to be retried once, got %d calls", provider.calls())
	}
}

func TestClient_Extract_ParentCancelled(t *testing.T) {
	provider := &scriptedProvider{block: true, responses: []scriptedResponse{{}}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Extract(ctx, paxRequest)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation, got %v", err)
	}
}

func TestClient_ProposeReferences(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"references":[
			{"semantic_type":"pax","field_name":"PaxRefID","target_field":"PaxID","confidence":0.9,"expected":true},
			{"semantic_type":"bogus","field_name":"","confidence":0.5},
			{"semantic_type":"segment","field_name":"SegmentRefs","confidence":1.7}
		]}`},
	}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	candidates, err := client.ProposeReferences(context.Background(), ReferenceRequest{
		SourceSection: "DataLists/PaxSegmentList/PaxSegment",
		TargetSection: "DataLists/PaxList/Pax",
	})
	if err != nil {
		t.Fatalf("ProposeReferences failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Expected invalid candidates to be dropped, got %+v", candidates)
	}
	if candidates[0].FieldName != "PaxRefID" || !candidates[0].Expected {
		t.Errorf("Unexpected candidate: %+v", candidates[0])
	}
}

func TestClient_ProposeReferences_MissingArray(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{{content: `{"refs":[]}`}}}
	client := NewClient(provider, testClientConfig(), nil, nil, nil)

	_, err := client.ProposeReferences(context.Background(), ReferenceRequest{})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("Expected invalid response error, got %v", err)
	}
}
