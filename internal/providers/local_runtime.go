package providers

import (
	"context"
	"fmt"
	"sync"
)

// LocalModelEngine is the capability surface a local (in-process or
// sidecar) model runtime exposes, per §4.5. LocalRuntimeProvider adapts it
// to the Provider interface.
type LocalModelEngine interface {
	LoadModel(ctx context.Context, path string) error
	UnloadModel(ctx context.Context) error
	IsModelLoaded() bool
	Generate(ctx context.Context, prompt string, onToken func(string)) (string, error)
	SwitchRuntime(ctx context.Context, from, to string) error
	CancelGeneration(token string) error
	SaveState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, state []byte) error
}

// LocalRuntimePolicy carries the dispatch-time knobs §4.5 lets a caller pass
// through ChatRequest.Options to a local-runtime generate call.
type LocalRuntimePolicy struct {
	StreamTokens      bool
	AllowCancellation bool
	CancellationToken string
	LocalRuntimeHints map[string]string
}

// LocalRuntimeProvider wraps a LocalModelEngine as a Provider. It lazily
// loads the configured model on first use and tracks cancellation tokens so
// a canceled generation fails every subsequent call carrying that token.
type LocalRuntimeProvider struct {
	engine    LocalModelEngine
	modelPath string

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewLocalRuntimeProvider builds a provider around engine, loading modelPath
// on first generate call.
func NewLocalRuntimeProvider(engine LocalModelEngine, modelPath string) *LocalRuntimeProvider {
	return &LocalRuntimeProvider{
		engine:    engine,
		modelPath: modelPath,
		cancelled: make(map[string]bool),
	}
}

func (p *LocalRuntimeProvider) Name() string         { return "local-runtime" }
func (p *LocalRuntimeProvider) DefaultModel() string { return p.modelPath }

// CancelGeneration marks token as canceled: any generate() call carrying it,
// past or future, fails with a cancellation error.
func (p *LocalRuntimeProvider) CancelGeneration(token string) error {
	if token == "" {
		return nil
	}
	p.mu.Lock()
	p.cancelled[token] = true
	p.mu.Unlock()
	return p.engine.CancelGeneration(token)
}

func (p *LocalRuntimeProvider) isCancelled(token string) bool {
	if token == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[token]
}

func (p *LocalRuntimeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.generate(ctx, req, nil)
}

func (p *LocalRuntimeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return p.generate(ctx, req, onChunk)
}

func (p *LocalRuntimeProvider) generate(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	policy := extractLocalRuntimePolicy(req.Options)

	if p.isCancelled(policy.CancellationToken) {
		return nil, fmt.Errorf("cancellation: generation token %q was canceled", policy.CancellationToken)
	}

	if !p.engine.IsModelLoaded() {
		if err := p.engine.LoadModel(ctx, p.modelPath); err != nil {
			return nil, fmt.Errorf("unavailable: load local model %q: %w", p.modelPath, err)
		}
	}

	prompt := lastUserContent(req)

	var onToken func(string)
	if onChunk != nil && policy.StreamTokens {
		onToken = func(tok string) { onChunk(StreamChunk{Content: tok}) }
	}

	text, err := p.engine.Generate(ctx, prompt, onToken)
	if err != nil {
		if p.isCancelled(policy.CancellationToken) {
			return nil, fmt.Errorf("cancellation: generation token %q was canceled", policy.CancellationToken)
		}
		return nil, err
	}

	if onChunk != nil {
		if !policy.StreamTokens {
			onChunk(StreamChunk{Content: text})
		}
		onChunk(StreamChunk{Done: true})
	}

	return &ChatResponse{Content: text, FinishReason: "stop"}, nil
}

func extractLocalRuntimePolicy(options map[string]interface{}) LocalRuntimePolicy {
	var p LocalRuntimePolicy
	if options == nil {
		return p
	}
	if v, ok := options["streamTokens"].(bool); ok {
		p.StreamTokens = v
	}
	if v, ok := options["allowCancellation"].(bool); ok {
		p.AllowCancellation = v
	}
	if v, ok := options["cancellationToken"].(string); ok {
		p.CancellationToken = v
	}
	if v, ok := options["localRuntimeHints"].(map[string]string); ok {
		p.LocalRuntimeHints = v
	}
	return p
}

func lastUserContent(req ChatRequest) string {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return last
}
