package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convodeck/convodeck/backend/internal/history"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// fakeRunner echoes the user message and tracks how many turns run at
// the same time, so tests can assert on serialization.
type fakeRunner struct {
	delay     time.Duration
	err       error
	gate      chan struct{} // when set, each run signals entry and waits here
	entered   chan string
	active    int32
	maxActive int32
	calls     int32
}

func (r *fakeRunner) Run(_ context.Context, _ *models.Agent, threadID, userMessage string, _ models.Channel) (*models.TurnResult, error) {
	cur := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		max := atomic.LoadInt32(&r.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&r.maxActive, max, cur) {
			break
		}
	}
	atomic.AddInt32(&r.calls, 1)

	if r.entered != nil {
		r.entered <- threadID
	}
	if r.gate != nil {
		<-r.gate
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &models.TurnResult{
		ThreadID:    threadID,
		Response:    "echo: " + userMessage,
		TotalTokens: 10,
		Model:       "test-model",
		Success:     true,
	}, nil
}

// fakeChannelDriver records sends and can be told to fail.
type fakeChannelDriver struct {
	kind models.Channel
	fail error

	mu   sync.Mutex
	sent []string
}

func (d *fakeChannelDriver) Kind() models.Channel { return d.kind }

func (d *fakeChannelDriver) Send(_ context.Context, _ *models.Integration, _, text string) error {
	if d.fail != nil {
		return d.fail
	}
	d.mu.Lock()
	d.sent = append(d.sent, text)
	d.mu.Unlock()
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      store.Store
	runner     *fakeRunner
	telegram   *fakeChannelDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("CONVODECK_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateAgent(context.Background(), &models.Agent{
		ID: "a1", Name: "Support", Kind: models.AgentCustomerService, Workspace: "default",
		Provider: "scripted", Model: "test-model", Status: models.AgentStatusActive,
	}))
	require.NoError(t, s.CreateIntegration(context.Background(), &models.Integration{
		ID: "i1", AgentID: "a1", Workspace: "default",
		Channel: models.ChannelTelegram, Token: "bot-token", Active: true,
	}))

	runner := &fakeRunner{}
	telegram := &fakeChannelDriver{kind: models.ChannelTelegram}
	d := NewDispatcher(s, runner, history.NewRecorder(s))
	d.RegisterChannel(telegram)
	d.RegisterChannel(NewAPIDriver())
	d.RegisterChannel(NewWhatsAppDriver())
	return &fixture{dispatcher: d, store: s, runner: runner, telegram: telegram}
}

func inbound(channel models.Channel, text string) *models.Inbound {
	return &models.Inbound{AgentID: "a1", ExternalUserID: "42", Channel: channel, Text: text}
}

func TestHandleRecordsAndDelivers(t *testing.T) {
	f := newFixture(t)

	result, err := f.dispatcher.Handle(context.Background(), inbound(models.ChannelTelegram, "hello"))
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Empty(t, result.DeliveryError)
	assert.Equal(t, "echo: hello", result.Turn.Response)
	assert.Equal(t, []string{"echo: hello"}, f.telegram.sent)

	messages, err := f.store.ListHistory(context.Background(), "a1:42", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].UserMessage)
	assert.Equal(t, "echo: hello", messages[0].Response)
}

func TestAPIChannelNeedsNoIntegration(t *testing.T) {
	f := newFixture(t)

	in := &models.Inbound{AgentID: "a1", ExternalUserID: "client-1", Channel: models.ChannelAPI, Text: "ping"}
	result, err := f.dispatcher.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, "echo: ping", result.Turn.Response)
}

func TestDeliveryFailureKeepsRecordedTurn(t *testing.T) {
	f := newFixture(t)
	f.telegram.fail = errors.New("telegram down")

	result, err := f.dispatcher.Handle(context.Background(), inbound(models.ChannelTelegram, "hello"))
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Contains(t, result.DeliveryError, "telegram down")

	// The turn stays recorded even though the channel send failed.
	count, err := f.store.CountHistory(context.Background(), "a1:42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWhatsAppReportsUnsupported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateIntegration(context.Background(), &models.Integration{
		ID: "i2", AgentID: "a1", Workspace: "default",
		Channel: models.ChannelWhatsApp, Token: "wa-token", Active: true,
	}))

	result, err := f.dispatcher.Handle(context.Background(), inbound(models.ChannelWhatsApp, "hi"))
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Contains(t, result.DeliveryError, "not yet supported")
}

func TestUnknownAgent(t *testing.T) {
	f := newFixture(t)

	in := &models.Inbound{AgentID: "missing", ExternalUserID: "42", Channel: models.ChannelAPI, Text: "hi"}
	_, err := f.dispatcher.Handle(context.Background(), in)
	require.Error(t, err)
	var notFound *store.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRejectsEmptyIdentifiers(t *testing.T) {
	f := newFixture(t)

	var verr *models.ValidationError
	_, err := f.dispatcher.Handle(context.Background(), &models.Inbound{ExternalUserID: "42", Channel: models.ChannelAPI, Text: "hi"})
	require.ErrorAs(t, err, &verr)

	_, err = f.dispatcher.Handle(context.Background(), &models.Inbound{AgentID: "a1", Channel: models.ChannelAPI, Text: "hi"})
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, atomic.LoadInt32(&f.runner.calls))
}

func TestRunnerErrorIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.runner.err = &models.ValidationError{Field: "message", Reason: "must not be empty"}

	_, err := f.dispatcher.Handle(context.Background(), inbound(models.ChannelAPI, "   "))
	require.Error(t, err)

	count, err := f.store.CountHistory(context.Background(), "a1:42")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSameThreadTurnsAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.runner.delay = 10 * time.Millisecond

	const turns = 5
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.dispatcher.Handle(context.Background(), inbound(models.ChannelAPI, fmt.Sprintf("msg %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.runner.maxActive),
		"turns for one thread must never overlap")
	count, err := f.store.CountHistory(context.Background(), "a1:42")
	require.NoError(t, err)
	assert.Equal(t, turns, count)
}

func TestDifferentThreadsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	f.runner.gate = make(chan struct{})
	f.runner.entered = make(chan string, 2)

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			in := &models.Inbound{AgentID: "a1", ExternalUserID: user, Channel: models.ChannelAPI, Text: "hi"}
			_, err := f.dispatcher.Handle(context.Background(), in)
			assert.NoError(t, err)
		}(user)
	}

	// Both turns must be inside the runner before either is released.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-f.runner.entered:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("second thread never entered the runner; threads are not concurrent")
		}
	}
	assert.Len(t, seen, 2)
	close(f.runner.gate)
	wg.Wait()
}

func TestInboundFromUpdate(t *testing.T) {
	in, ok := InboundFromUpdate("a1", telegramTextUpdate(981, "where is my order?"))
	require.True(t, ok)
	assert.Equal(t, "a1", in.AgentID)
	assert.Equal(t, "981", in.ExternalUserID)
	assert.Equal(t, models.ChannelTelegram, in.Channel)
	assert.Equal(t, "where is my order?", in.Text)

	_, ok = InboundFromUpdate("a1", telegramTextUpdate(981, ""))
	assert.False(t, ok)
}
