package stream

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/converge/internal/models"
)

// Delivery is one frame on a subscription. Exactly one of Event, Heartbeat
// or Err is set; an Err delivery is always the last before the channel
// closes.
type Delivery struct {
	Event     *models.Event
	Heartbeat bool
	Err       error
}

// Subscription is one client's resumable view of a run's event stream. It
// buffers live pushes from the moment it is registered, replays history
// past the resume point, then tails live events. lastEmitted tracks the
// highest id accounted for; live pushes at or below it are duplicates of
// the replay and are dropped, and a push further ahead than the next id
// marks a gap that is refilled from storage before anything newer is
// emitted.
type Subscription struct {
	broker        *Broker
	runID         string
	includeTokens bool
	lastEmitted   uint64
	finished      bool

	out      chan Delivery
	live     chan *models.Event
	terminal chan struct{}
	termOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// Events returns the delivery channel. It closes when the run reaches a
// terminal status, the stream fails, or the subscription is closed.
func (s *Subscription) Events() <-chan Delivery {
	return s.out
}

// RunID returns the run this subscription streams
func (s *Subscription) RunID() string {
	return s.runID
}

// LastEmittedID returns the highest event id accounted for so far
func (s *Subscription) LastEmittedID() uint64 {
	return s.lastEmitted
}

// Close detaches the subscription. Safe to call more than once and safe to
// call concurrently with delivery.
func (s *Subscription) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) signalTerminal() {
	s.termOnce.Do(func() {
		close(s.terminal)
	})
}

// run drives the subscription: replay, then live tail until the run is
// terminal. Runs on its own goroutine; sole writer and closer of out.
func (s *Subscription) run() {
	defer func() {
		s.broker.unregister(s)
		close(s.out)
	}()

	ctx := context.Background()

	// Replay history past the resume point. The live channel is already
	// registered, so events committed from here on are buffered.
	if !s.catchUp(ctx) {
		return
	}
	if s.finished {
		return
	}

	// A run that is already terminal has nothing left to tail; the
	// catch-up above delivered everything persisted.
	run, err := s.broker.runs.GetRun(ctx, s.runID)
	if err != nil {
		s.emit(Delivery{Err: err})
		return
	}
	if run.IsTerminal() {
		s.catchUp(ctx)
		return
	}

	heartbeat := time.NewTicker(s.broker.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.done:
			return

		case <-s.terminal:
			// Flush everything committed before the terminal transition
			s.catchUp(ctx)
			return

		case evt := <-s.live:
			if evt.ID <= s.lastEmitted {
				continue
			}
			if evt.ID == s.lastEmitted+1 {
				s.lastEmitted = evt.ID
				if !s.includeTokens && models.IsTokenEventType(evt.Type) {
					continue
				}
				if !s.emit(Delivery{Event: evt}) {
					return
				}
				if models.IsTerminalEventType(evt.Type) {
					s.finished = true
				}
			} else if !s.catchUp(ctx) {
				return
			}
			if s.finished {
				return
			}

		case <-heartbeat.C:
			// The heartbeat doubles as repair: a push lost to a full
			// buffer shows up as a persisted id past lastEmitted.
			latest, err := s.broker.ledger.GetLatestEventID(ctx, s.runID)
			if err == nil && latest > s.lastEmitted {
				if !s.catchUp(ctx) {
					return
				}
				if s.finished {
					return
				}
				// Everything up to latest is now accounted for, even
				// when the catch-up filtered trailing token events.
				if latest > s.lastEmitted {
					s.lastEmitted = latest
				}
			}

			run, err := s.broker.runs.GetRun(ctx, s.runID)
			if err == nil && run.IsTerminal() {
				s.catchUp(ctx)
				return
			}

			// Deferred runs idle here on purpose: background work is
			// still in flight, so the connection stays open.
			if !s.emit(Delivery{Heartbeat: true}) {
				return
			}
		}
	}
}

// catchUp emits every persisted event past lastEmitted in order. Returns
// false when the subscription is closed or the stream failed.
func (s *Subscription) catchUp(ctx context.Context) bool {
	events, err := s.broker.ledger.GetEventsAfter(ctx, s.runID, s.lastEmitted, s.includeTokens)
	if err != nil {
		s.emit(Delivery{Err: err})
		return false
	}

	for _, evt := range events {
		if !s.emit(Delivery{Event: evt}) {
			return false
		}
		s.lastEmitted = evt.ID
		if models.IsTerminalEventType(evt.Type) {
			s.finished = true
		}
	}
	return true
}

// emit delivers one frame, honoring Close during backpressure
func (s *Subscription) emit(d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-s.done:
		return false
	}
}
