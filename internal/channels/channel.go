package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Notifier is the outbound side of a channel: posting coordination
// updates into a conversation thread. Thread ids are channel-specific;
// an empty id targets the channel's default destination.
type Notifier interface {
	// CreateThread opens a conversation for a task and returns its id.
	CreateThread(ctx context.Context, title string) (string, error)

	// Post sends a message into a thread.
	Post(ctx context.Context, threadID, text string) error

	// ArchiveThread closes out a thread after its task is archived.
	ArchiveThread(ctx context.Context, threadID string) error
}

// NopNotifier discards everything. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) CreateThread(context.Context, string) (string, error) { return "", nil }
func (NopNotifier) Post(context.Context, string, string) error           { return nil }
func (NopNotifier) ArchiveThread(context.Context, string) error          { return nil }
