package providers

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name   string
	err    error
	result string
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.result}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *stubProvider) DefaultModel() string { return "stub-model" }
func (s *stubProvider) Name() string         { return s.name }

func TestRegistryDispatchFallsBackThroughPolicy(t *testing.T) {
	r := NewRegistry()
	r.Register("primary", &stubProvider{name: "primary", err: errors.New("primary failed")})
	r.Register("secondary", &stubProvider{name: "secondary", err: errors.New("secondary failed")})
	r.Register("tertiary", &stubProvider{name: "tertiary", result: "tertiary-output"})

	result, err := r.Dispatch(context.Background(), ChatRequest{}, "primary",
		&DispatchPolicy{FallbackProviderIDs: []string{"secondary", "tertiary"}}, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderID != "tertiary" || result.Response.Content != "tertiary-output" {
		t.Fatalf("expected tertiary to win, got %+v", result)
	}
}

func TestRegistryDispatchSkipsUnknownCandidates(t *testing.T) {
	r := NewRegistry()
	r.Register("only", &stubProvider{name: "only", result: "ok"})

	result, err := r.Dispatch(context.Background(), ChatRequest{}, "missing",
		&DispatchPolicy{FallbackProviderIDs: []string{"also-missing"}}, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderID != "only" {
		t.Fatalf("expected fallthrough to default provider, got %q", result.ProviderID)
	}
}

func TestRegistryDispatchReturnsLastErrorWhenAllFail(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &stubProvider{name: "a", err: errors.New("a failed")})
	r.Register("b", &stubProvider{name: "b", err: errors.New("b failed")})

	_, err := r.Dispatch(context.Background(), ChatRequest{}, "a", &DispatchPolicy{FallbackProviderIDs: []string{"b"}}, "", nil)
	if err == nil || err.Error() != "b failed" {
		t.Fatalf("expected last candidate's error, got %v", err)
	}
}

func TestRegistrySetDefaultProviderIDRejectsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &stubProvider{name: "a"})
	if err := r.SetDefaultProviderID("missing"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if err := r.SetDefaultProviderID("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
