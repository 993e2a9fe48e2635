package ai

import "context"

type Message struct {
	Role    string
	Content string
}

// Provider is a synchronous chat backend: full prompt in, full answer out.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
