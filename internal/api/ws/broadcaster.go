// Package ws provides the in-process WebSocket broadcaster for the cooking
// daemon's dashboard surface. The Broadcaster fans command state transitions
// out to all currently-connected browser clients without blocking the
// scheduler goroutine that drives those transitions.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     messages. A non-blocking send is used so that a slow or disconnected
//     client never applies back-pressure to the caller publishing a
//     transition.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Closing a subscription or unregistering a client signals the
//     associated WebSocket pump goroutine to exit cleanly.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cookforge/cooker/internal/model"
)

// CommandStateData holds the structured payload sent to browser clients as
// part of a CommandStateMessage envelope.
type CommandStateData struct {
	CommandID   int    `json:"command_id"`
	RuleName    string `json:"rule_name"`
	CommandLine string `json:"command_line"`
	Dirty       string `json:"dirty"`
	Exec        string `json:"exec"`
	RetryCount  int    `json:"retry_count"`
}

// CommandStateMessage is the top-level JSON envelope pushed to browser
// WebSocket clients. Type is always "command_state" for state transitions.
type CommandStateMessage struct {
	Type string           `json:"type"`
	Data CommandStateData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans command state transitions out to all currently-connected
// WebSocket clients. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the default
// of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every registered
// client using a non-blocking send. When a client's buffer is full the
// message is dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Broadcast(msg CommandStateMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("ws broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("ws broadcaster: client buffer full, dropping message",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// PublishTransition converts a command's current snapshot into a
// CommandStateMessage and broadcasts it to every registered client. Called
// by the scheduler whenever a CookingCommand's ExecState or DirtyState
// changes.
func (b *Broadcaster) PublishTransition(id model.CommandID, ruleName, commandLine string, dirty model.DirtyState, exec model.ExecState, retryCount int) {
	b.Broadcast(CommandStateMessage{
		Type: "command_state",
		Data: CommandStateData{
			CommandID:   int(id),
			RuleName:    ruleName,
			CommandLine: commandLine,
			Dirty:       dirty.String(),
			Exec:        exec.String(),
			RetryCount:  retryCount,
		},
	})
}

// Close removes all registered clients, drains and closes every channel, and
// releases internal resources. After Close returns, Broadcast is a no-op and
// Register returns a Client whose Send channel is already closed.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
