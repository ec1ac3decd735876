// Package dispatch routes normalized inbound messages through the
// conversation workflow and delivers responses over channel drivers.
//
// Turns for the same thread are serialized with a per-thread lock so
// history rows land in completion order. Turns for different threads
// run fully concurrently. A delivery failure after a turn is recorded
// never rolls the recorded turn back; it is reported in the result.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/history"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/contracts"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// TurnRunner runs one conversation turn for an agent.
type TurnRunner interface {
	Run(ctx context.Context, agent *models.Agent, threadID, userMessage string, channel models.Channel) (*models.TurnResult, error)
}

// Dispatcher is the entry point for every inbound message regardless of
// origin. Webhook handlers and the invoke endpoint all funnel into Handle.
type Dispatcher struct {
	store    store.Store
	runner   TurnRunner
	recorder *history.Recorder

	channelMu sync.RWMutex
	channels  map[models.Channel]contracts.ChannelDriver

	threadMu sync.Mutex
	threads  map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher with no channel drivers registered.
func NewDispatcher(s store.Store, runner TurnRunner, recorder *history.Recorder) *Dispatcher {
	return &Dispatcher{
		store:    s,
		runner:   runner,
		recorder: recorder,
		channels: make(map[models.Channel]contracts.ChannelDriver),
		threads:  make(map[string]*sync.Mutex),
	}
}

// RegisterChannel adds a delivery driver. Registering the same channel
// twice replaces the earlier driver.
func (d *Dispatcher) RegisterChannel(driver contracts.ChannelDriver) {
	d.channelMu.Lock()
	defer d.channelMu.Unlock()
	d.channels[driver.Kind()] = driver
}

// Channel returns the driver registered for a channel kind, or nil.
func (d *Dispatcher) Channel(kind models.Channel) contracts.ChannelDriver {
	d.channelMu.RLock()
	defer d.channelMu.RUnlock()
	return d.channels[kind]
}

// Handle processes one inbound message end to end: resolve the agent,
// ensure the thread, run the workflow turn, record it, then deliver the
// response over the originating channel.
//
// The returned error covers failures before a turn was produced (unknown
// agent, invalid input, storage). Once a turn is recorded, delivery
// problems are reported in the DispatchResult instead.
func (d *Dispatcher) Handle(ctx context.Context, in *models.Inbound) (*models.DispatchResult, error) {
	if in.AgentID == "" {
		return nil, &models.ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if in.ExternalUserID == "" {
		return nil, &models.ValidationError{Field: "external_user_id", Reason: "must not be empty"}
	}

	agent, err := d.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}

	threadID := models.ThreadID(in.AgentID, in.ExternalUserID)
	unlock := d.lockThread(threadID)
	defer unlock()

	err = d.store.EnsureThread(ctx, &models.Thread{
		ID:             threadID,
		AgentID:        agent.ID,
		ExternalUserID: in.ExternalUserID,
		Channel:        in.Channel,
		Workspace:      agent.Workspace,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure thread: %w", err)
	}

	turn, err := d.runner.Run(ctx, agent, threadID, in.Text, in.Channel)
	if err != nil {
		return nil, err
	}

	if _, err := d.recorder.Record(ctx, threadID, turn, in.Text); err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}

	result := &models.DispatchResult{Turn: *turn, Delivered: true}
	if err := d.deliver(ctx, in, turn.Response); err != nil {
		result.Delivered = false
		result.DeliveryError = err.Error()
		log.Warn().
			Err(err).
			Str("thread_id", threadID).
			Str("channel", string(in.Channel)).
			Msg("Delivery failed after turn was recorded")
	}
	return result, nil
}

func (d *Dispatcher) deliver(ctx context.Context, in *models.Inbound, text string) error {
	driver := d.Channel(in.Channel)
	if driver == nil {
		return fmt.Errorf("no driver registered for channel %q", in.Channel)
	}

	// The API channel carries the response in-band; no integration exists.
	var integration *models.Integration
	if in.Channel != models.ChannelAPI {
		var err error
		integration, err = d.store.GetIntegrationByChannel(ctx, in.AgentID, in.Channel)
		if err != nil {
			return fmt.Errorf("resolve %s integration: %w", in.Channel, err)
		}
	}
	return driver.Send(ctx, integration, in.ExternalUserID, text)
}

// lockThread acquires the per-thread lock, creating it on first use.
// Locks are never removed; the map is bounded by the number of threads.
func (d *Dispatcher) lockThread(threadID string) func() {
	d.threadMu.Lock()
	mu, ok := d.threads[threadID]
	if !ok {
		mu = &sync.Mutex{}
		d.threads[threadID] = mu
	}
	d.threadMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
