// -----------------------------------------------------------------------
// Stream Broker - Resumable replay + live tail for run event streams
// -----------------------------------------------------------------------

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/common"
	"github.com/ternarybob/converge/internal/interfaces"
	"github.com/ternarybob/converge/internal/models"
)

const (
	defaultBufferSize        = 256
	defaultHeartbeatInterval = 15 * time.Second
)

// Broker fans persisted run events out to per-run subscriptions. A
// subscription is attached to the live feed before its replay query runs,
// so an event committed during the replay window is never missed: it is
// either returned by the replay or waiting in the subscription's buffer.
type Broker struct {
	ledger interfaces.LedgerService
	runs   interfaces.RunStorage
	logger arbor.ILogger

	bufferSize int
	heartbeat  time.Duration

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewBroker creates a stream broker and attaches it to the event bus
func NewBroker(ledger interfaces.LedgerService, runs interfaces.RunStorage, bus interfaces.EventService, config *common.StreamConfig, logger arbor.ILogger) (*Broker, error) {
	b := &Broker{
		ledger:     ledger,
		runs:       runs,
		logger:     logger,
		bufferSize: defaultBufferSize,
		heartbeat:  defaultHeartbeatInterval,
		subs:       make(map[string]map[*Subscription]struct{}),
	}

	if config != nil {
		if config.BufferSize > 0 {
			b.bufferSize = config.BufferSize
		}
		if d, err := time.ParseDuration(config.HeartbeatInterval); err == nil && d > 0 {
			b.heartbeat = d
		}
	}

	if err := bus.Subscribe(interfaces.EventRunEventAppended, b.handleEventAppended); err != nil {
		return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
	}
	if err := bus.Subscribe(interfaces.EventRunStatusChanged, b.handleStatusChanged); err != nil {
		return nil, fmt.Errorf("failed to subscribe to run status changes: %w", err)
	}

	return b, nil
}

// Subscribe opens a resumable stream over one run's events. Events with
// id > lastSeenID are replayed in order, then the live tail continues
// until the run reaches a terminal status. The returned subscription is
// registered with the live feed before this call returns.
func (b *Broker) Subscribe(ctx context.Context, runID string, lastSeenID uint64, includeTokens bool) (*Subscription, error) {
	if _, err := b.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	sub := &Subscription{
		broker:        b,
		runID:         runID,
		includeTokens: includeTokens,
		lastEmitted:   lastSeenID,
		out:           make(chan Delivery, b.bufferSize),
		live:          make(chan *models.Event, b.bufferSize),
		terminal:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("stream broker is closed")
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	common.SafeGo(b.logger, "stream-subscription", sub.run)

	b.logger.Debug().
		Str("run_id", runID).
		Int64("last_seen_id", int64(lastSeenID)).
		Bool("include_tokens", includeTokens).
		Msg("Stream subscription opened")

	return sub, nil
}

// SubscriberCount returns the number of open subscriptions for a run
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Close shuts down every open subscription
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}

func (b *Broker) unregister(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.runID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.runID)
	}
}

// handleEventAppended pushes a persisted event to the run's subscriptions.
// The send never blocks; a subscription whose buffer is full misses the
// push and repairs itself from storage on its next delivery or heartbeat.
func (b *Broker) handleEventAppended(ctx context.Context, event interfaces.Event) error {
	evt, ok := event.Payload.(*models.Event)
	if !ok {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[evt.RunID] {
		select {
		case sub.live <- evt:
		default:
		}
	}
	return nil
}

// handleStatusChanged signals a run's subscriptions when the run reaches a
// terminal status, so streams close even if no terminal event was appended.
func (b *Broker) handleStatusChanged(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	runID, _ := payload["run_id"].(string)
	status, _ := payload["status"].(string)
	if runID == "" {
		return nil
	}

	if models.RunStatus(status) != models.RunStatusSuccess && models.RunStatus(status) != models.RunStatusFailed {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[runID] {
		sub.signalTerminal()
	}
	return nil
}
