package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/types"
)

// Mail is the capability contract the mailskill agent consumes.
type Mail interface {
	Connector
	Fetch(ctx context.Context, since time.Time) ([]types.Message, error)
	Send(ctx context.Context, draft types.Draft) (types.Ack, error)
}

// mailRateInterval is the minimum spacing between mail capability calls.
const mailRateInterval = 200 * time.Millisecond

// SpoolMail is a filesystem-spool mail adapter. Inbound messages are
// JSON files dropped into <root>/inbox by an external delivery agent;
// sends are written to <root>/outbox for pickup. It stands in for a
// real IMAP/SMTP adapter behind the same capability contract.
type SpoolMail struct {
	root    string
	limiter *limiter
	started atomic.Bool
	failing atomic.Int32
}

// NewSpoolMail creates a spool mail connector rooted at dir.
func NewSpoolMail(dir string) *SpoolMail {
	return &SpoolMail{
		root:    dir,
		limiter: newLimiter(mailRateInterval),
	}
}

func (m *SpoolMail) Name() string { return "mail" }

func (m *SpoolMail) Start(_ context.Context) error {
	for _, sub := range []string{"inbox", "outbox"} {
		if err := os.MkdirAll(filepath.Join(m.root, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create mail spool %s: %w", sub, err)
		}
	}
	m.started.Store(true)
	return nil
}

func (m *SpoolMail) Stop() error {
	m.started.Store(false)
	return nil
}

// Health degrades after consecutive capability failures and recovers on
// the next success.
func (m *SpoolMail) Health() types.ConnectorHealth {
	if !m.started.Load() {
		return types.ConnectorUnhealthy
	}
	switch f := m.failing.Load(); {
	case f >= 3:
		return types.ConnectorUnhealthy
	case f > 0:
		return types.ConnectorDegraded
	default:
		return types.ConnectorHealthy
	}
}

// Fetch returns inbox messages received after since, oldest first.
func (m *SpoolMail) Fetch(ctx context.Context, since time.Time) ([]types.Message, error) {
	release, err := m.limiter.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := os.ReadDir(filepath.Join(m.root, "inbox"))
	if err != nil {
		m.failing.Add(1)
		return nil, fmt.Errorf("failed to read mail inbox: %w", err)
	}

	var messages []types.Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, "inbox", entry.Name()))
		if err != nil {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			msg.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if !msg.ReceivedAt.After(since) {
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	m.failing.Store(0)
	return messages, nil
}

// Send writes the draft to the outbox spool and acknowledges it.
func (m *SpoolMail) Send(ctx context.Context, draft types.Draft) (types.Ack, error) {
	release, err := m.limiter.wait(ctx)
	if err != nil {
		return types.Ack{}, err
	}
	defer release()

	if draft.To == "" {
		return types.Ack{}, fmt.Errorf("draft has no recipient")
	}

	id := uuid.New().String()
	data, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return types.Ack{}, fmt.Errorf("failed to encode draft: %w", err)
	}
	path := filepath.Join(m.root, "outbox", id+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		m.failing.Add(1)
		return types.Ack{}, fmt.Errorf("failed to spool outbound message: %w", err)
	}

	m.failing.Store(0)
	return types.Ack{MessageID: id, SentAt: time.Now()}, nil
}
