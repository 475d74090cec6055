package providers

import "context"

// EchoProvider is the always-available default provider from §4.5: it
// exists to make the engine testable without network access. It returns
// "OK" for an empty prompt and otherwise echoes the last user message
// verbatim.
type EchoProvider struct{}

// NewEchoProvider builds the echo provider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

func (e *EchoProvider) Name() string         { return "echo" }
func (e *EchoProvider) DefaultModel() string { return "echo-1" }

func (e *EchoProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: echoReply(req), FinishReason: "stop"}, nil
}

func (e *EchoProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := e.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(StreamChunk{Content: resp.Content})
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

func echoReply(req ChatRequest) string {
	var lastUser string
	for _, m := range req.Messages {
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	if lastUser == "" {
		return "OK"
	}
	return lastUser
}
