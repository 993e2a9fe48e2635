package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both returned channels are closed when the stream ends; the error channel is
// buffered and closed after the chunk channel's last value was produced, so a
// consumer that drains chunks can then read the final error without blocking.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
