package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to a provider based on the model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a router. Models with no explicit mapping use
// fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if c, ok := m.clients[provider]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("model %q mapped to unregistered provider %q", model, provider)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Stream implements Client.
func (m *MultiClient) Stream(ctx context.Context, model string, messages []Message, fn TokenFunc) (*Response, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, model, messages, fn)
}

// Invoke implements Client.
func (m *MultiClient) Invoke(ctx context.Context, model string, messages []Message) (*Response, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, model, messages)
}

// Ping checks every registered provider and joins the failures.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 && m.fallback == nil {
		return errors.New("no providers configured")
	}
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
