package providers

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the model router: a directory of named providers plus ordered
// fallback dispatch. Agents resolve a provider by name through Get; the
// auto-reply/runtime layer uses Dispatch when a request carries an explicit
// policy of fallback candidates.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under id.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
	if r.defaultID == "" {
		r.defaultID = id
	}
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", id)
	}
	return p, nil
}

// List returns the registered provider IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// SetDefaultProviderID sets the provider used when a dispatch names no candidate.
// Fails if id isn't registered.
func (r *Registry) SetDefaultProviderID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("provider not registered: %s", id)
	}
	r.defaultID = id
	return nil
}

// DefaultProviderID returns the current default provider ID, or "" if none set.
func (r *Registry) DefaultProviderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// DispatchPolicy narrows the fallback chain for one Dispatch call.
type DispatchPolicy struct {
	FallbackProviderIDs []string
}

// DispatchResult reports which provider+model actually produced a response.
type DispatchResult struct {
	Response   *ChatResponse
	ProviderID string
}

// Dispatch picks a provider per the model router's ordered fallback rule and calls Chat (or
// ChatStream, when onChunk is non-nil) on it. Candidate order:
//  1. providerID, if non-empty and registered.
//  2. policy.FallbackProviderIDs, in order, skipping unregistered IDs.
//  3. metadataFallbackID, if non-empty and registered.
//  4. the default provider.
//
// Each candidate is tried in turn; on error, the next candidate is attempted. If every
// candidate fails, the last error is returned.
func (r *Registry) Dispatch(ctx context.Context, req ChatRequest, providerID string, policy *DispatchPolicy, metadataFallbackID string, onChunk func(StreamChunk)) (*DispatchResult, error) {
	candidates := r.candidateOrder(providerID, policy, metadataFallbackID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("model router: no provider available")
	}

	var lastErr error
	for _, id := range candidates {
		p, err := r.Get(id)
		if err != nil {
			continue
		}
		var resp *ChatResponse
		if onChunk != nil {
			resp, err = p.ChatStream(ctx, req, onChunk)
		} else {
			resp, err = p.Chat(ctx, req)
		}
		if err != nil {
			lastErr = err
			continue
		}
		return &DispatchResult{Response: resp, ProviderID: id}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("model router: no registered candidate among %v", candidates)
	}
	return nil, lastErr
}

func (r *Registry) candidateOrder(providerID string, policy *DispatchPolicy, metadataFallbackID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var order []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		if _, ok := r.providers[id]; !ok {
			return
		}
		seen[id] = true
		order = append(order, id)
	}

	add(providerID)
	if policy != nil {
		for _, id := range policy.FallbackProviderIDs {
			add(id)
		}
	}
	add(metadataFallbackID)
	add(r.defaultID)
	return order
}
