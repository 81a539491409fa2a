package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePub struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *capturePub) Publish(event *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fakeConnector struct {
	name     string
	health   types.ConnectorHealth
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	order   *[]string
}

func (f *fakeConnector) Name() string                  { return f.name }
func (f *fakeConnector) Health() types.ConnectorHealth { return f.health }

func (f *fakeConnector) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	*f.order = append(*f.order, "start:"+f.name)
	return nil
}

func (f *fakeConnector) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	*f.order = append(*f.order, "stop:"+f.name)
	return nil
}

func TestRegistryStartStopOrder(t *testing.T) {
	var order []string
	a := &fakeConnector{name: "a", health: types.ConnectorHealthy, order: &order}
	b := &fakeConnector{name: "b", health: types.ConnectorHealthy, order: &order}

	r := NewRegistry(&capturePub{})
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, order)
}

func TestRegistryStartFailureUnwinds(t *testing.T) {
	var order []string
	a := &fakeConnector{name: "a", health: types.ConnectorHealthy, order: &order}
	b := &fakeConnector{name: "b", startErr: fmt.Errorf("refused"), order: &order}

	r := NewRegistry(&capturePub{})
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Error(t, r.Start(context.Background()))
	assert.Equal(t, []string{"start:a", "stop:a"}, order)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	var order []string
	r := NewRegistry(&capturePub{})
	require.NoError(t, r.Register(&fakeConnector{name: "a", order: &order}))
	assert.Error(t, r.Register(&fakeConnector{name: "a", order: &order}))
}

func TestCheckHealthPublishesTransitionsOnly(t *testing.T) {
	var order []string
	c := &fakeConnector{name: "a", health: types.ConnectorHealthy, order: &order}
	pub := &capturePub{}
	r := NewRegistry(pub)
	require.NoError(t, r.Register(c))

	r.CheckHealth()
	r.CheckHealth()
	assert.Equal(t, 1, pub.count(), "steady health publishes once")

	c.health = types.ConnectorUnhealthy
	r.CheckHealth()
	require.Equal(t, 2, pub.count())

	pub.mu.Lock()
	last := pub.events[len(pub.events)-1]
	pub.mu.Unlock()
	assert.Equal(t, "connector.health", last.Type)
	assert.Equal(t, "unhealthy", last.Payload["health"])
	assert.Equal(t, types.PriorityHigh, last.Priority)
}

func TestSpoolMailFetchAndSend(t *testing.T) {
	root := t.TempDir()
	mail := NewSpoolMail(root)
	require.NoError(t, mail.Start(context.Background()))
	defer mail.Stop()

	old := types.Message{ID: "m1", From: "alice@example.com", Subject: "old", ReceivedAt: time.Now().Add(-2 * time.Hour)}
	recent := types.Message{ID: "m2", From: "bob@example.com", Subject: "recent", ReceivedAt: time.Now()}
	for _, msg := range []types.Message{old, recent} {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, "inbox", msg.ID+".json"), data, 0o644))
	}

	messages, err := mail.Fetch(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m2", messages[0].ID)

	ack, err := mail.Send(context.Background(), types.Draft{To: "carol@example.com", Subject: "hi", Body: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.MessageID)

	spooled, err := os.ReadFile(filepath.Join(root, "outbox", ack.MessageID+".json"))
	require.NoError(t, err)
	var draft types.Draft
	require.NoError(t, json.Unmarshal(spooled, &draft))
	assert.Equal(t, "carol@example.com", draft.To)

	_, err = mail.Send(context.Background(), types.Draft{Subject: "no recipient"})
	assert.Error(t, err)
}

func TestFilePriceFeedQuote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"VTI": 287.41, "BND": 73.2}`), 0o644))

	feed := NewFilePriceFeed(path)
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Stop()

	price, err := feed.Quote(context.Background(), "VTI")
	require.NoError(t, err)
	assert.Equal(t, 287.41, price.Value)
	assert.Equal(t, types.ConnectorHealthy, feed.Health())

	_, err = feed.Quote(context.Background(), "UNKNOWN")
	assert.Error(t, err)
}

func TestLogChatPost(t *testing.T) {
	dir := t.TempDir()
	chat := NewLogChat(dir)
	require.NoError(t, chat.Start(context.Background()))
	defer chat.Stop()

	require.NoError(t, chat.Post(context.Background(), "alerts", "water heater flagged"))
	require.NoError(t, chat.Post(context.Background(), "alerts", "resolved"))

	data, err := os.ReadFile(filepath.Join(dir, "alerts.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "water heater flagged")
	assert.Contains(t, string(data), "resolved")

	assert.Error(t, chat.Post(context.Background(), "", "no channel"))
}

func TestLimiterHonorsContextCancel(t *testing.T) {
	l := newLimiter(time.Minute)
	release, err := l.wait(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.wait(ctx)
	assert.Error(t, err)
}
