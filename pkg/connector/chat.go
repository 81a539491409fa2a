package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
)

// Chat is the capability contract for posting operator notifications.
type Chat interface {
	Connector
	Post(ctx context.Context, channel, text string) error
}

const chatRateInterval = 100 * time.Millisecond

// chatEntry is one posted notification in the channel log.
type chatEntry struct {
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at"`
}

// LogChat appends notifications to per-channel NDJSON logs under a
// directory. It stands in for a chat-service webhook adapter behind
// the same capability contract.
type LogChat struct {
	dir     string
	limiter *limiter
	started atomic.Bool

	mu sync.Mutex // serializes appends across channels
}

// NewLogChat creates a chat connector writing channel logs under dir.
func NewLogChat(dir string) *LogChat {
	return &LogChat{
		dir:     dir,
		limiter: newLimiter(chatRateInterval),
	}
}

func (c *LogChat) Name() string { return "chat" }

func (c *LogChat) Start(_ context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create chat log directory: %w", err)
	}
	c.started.Store(true)
	return nil
}

func (c *LogChat) Stop() error {
	c.started.Store(false)
	return nil
}

func (c *LogChat) Health() types.ConnectorHealth {
	if !c.started.Load() {
		return types.ConnectorUnhealthy
	}
	return types.ConnectorHealthy
}

// Post appends text to the channel's log.
func (c *LogChat) Post(ctx context.Context, channel, text string) error {
	release, err := c.limiter.wait(ctx)
	if err != nil {
		return err
	}
	defer release()

	if channel == "" {
		return fmt.Errorf("channel is required")
	}

	line, err := json.Marshal(chatEntry{Channel: channel, Text: text, PostedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode chat entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(c.dir, channel+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open chat log for %q: %w", channel, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append chat entry: %w", err)
	}
	return nil
}
