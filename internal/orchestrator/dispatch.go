package orchestrator

import (
	"context"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog/log"
)

// Dispatcher bounds the number of events processed concurrently: a
// fixed worker pool fed by Submit, drained by StopAndWait on shutdown.
type Dispatcher struct {
	orch    *Orchestrator
	pool    *pond.WorkerPool
	st      seenOrRememberer
	welcome Welcomer
	metrics dispatchRecorder
}

// Welcomer greets a new chat member; satisfied by *commands.Handler.
type Welcomer interface {
	Welcome(ctx context.Context, chatID, name string)
}

// seenOrRememberer narrows state.Store to the one method Dispatch
// needs for its dedup chokepoint.
type seenOrRememberer interface {
	SeenOrRemember(eventID string) bool
}

// dispatchRecorder is the narrow metrics surface the dispatcher
// reports against; satisfied by *metrics.Registry in production.
type dispatchRecorder interface {
	RecordDeduped()
	RecordDispatched(outcome string)
}

// NewDispatcher builds a Dispatcher with a bounded worker pool sized
// [minWorkers, maxWorkers], idling workers down after 30s of no work.
func NewDispatcher(orch *Orchestrator, st seenOrRememberer, minWorkers, maxWorkers int) *Dispatcher {
	if minWorkers <= 0 {
		minWorkers = 2
	}
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	pool := pond.New(maxWorkers, maxWorkers*4,
		pond.MinWorkers(minWorkers),
		pond.IdleTimeout(30*time.Second),
	)
	return &Dispatcher{orch: orch, pool: pool, st: st}
}

// WithMetrics attaches a dispatchRecorder; returns d for chaining at
// construction time.
func (d *Dispatcher) WithMetrics(rec dispatchRecorder) *Dispatcher {
	d.metrics = rec
	return d
}

// WithWelcomer attaches the handler member-join greetings are routed
// to; returns d for chaining at construction time.
func (d *Dispatcher) WithWelcomer(w Welcomer) *Dispatcher {
	d.welcome = w
	return d
}

// Dispatch enforces at-most-once-per-event_id, then submits the event
// to the pool and returns immediately — intake never blocks on
// orchestrator work.
func (d *Dispatcher) Dispatch(ev Event) {
	if d.st.SeenOrRemember(ev.EventID) {
		log.Debug().Str("event_id", ev.EventID).Msg("duplicate event, skipping dispatch")
		if d.metrics != nil {
			d.metrics.RecordDeduped()
		}
		return
	}
	d.pool.Submit(func() {
		outcome := "ok"
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				log.Error().Interface("panic", r).Str("event_id", ev.EventID).Msg("dispatch task panicked")
			}
			if d.metrics != nil {
				d.metrics.RecordDispatched(outcome)
			}
		}()
		d.orch.Handle(context.Background(), ev)
	})
}

// Welcome submits a member-join greeting to the pool and returns
// immediately — the greeting's history query and model call run in a
// background task, never on the webhook path.
func (d *Dispatcher) Welcome(_ context.Context, chatID, name string) {
	if d.welcome == nil {
		return
	}
	d.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("chat_id", chatID).Msg("welcome task panicked")
			}
		}()
		d.welcome.Welcome(context.Background(), chatID, name)
	})
}

// Stats exposes the pool's running/submitted/waiting/success/fail
// counters for the metrics component.
type Stats struct {
	RunningWorkers  int64
	SubmittedTasks  uint64
	WaitingTasks    uint64
	SuccessfulTasks uint64
	FailedTasks     uint64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		RunningWorkers:  int64(d.pool.RunningWorkers()),
		SubmittedTasks:  d.pool.SubmittedTasks(),
		WaitingTasks:    d.pool.WaitingTasks(),
		SuccessfulTasks: d.pool.SuccessfulTasks(),
		FailedTasks:     d.pool.FailedTasks(),
	}
}

// Shutdown drains in-flight work before returning.
func (d *Dispatcher) Shutdown() {
	d.pool.StopAndWait()
}
