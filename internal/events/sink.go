// Package events delivers ledger events to outer consumers.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
)

// Fanout delivers every event to each sink in order.
type Fanout []ledger.EventSink

func (f Fanout) Emit(ctx context.Context, evt model.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, evt)
		}
	}
}

// Filter forwards only the listed event types.
type Filter struct {
	Types map[model.EventType]bool
	Next  ledger.EventSink
}

func NewFilter(next ledger.EventSink, types ...model.EventType) *Filter {
	f := &Filter{Types: make(map[model.EventType]bool, len(types)), Next: next}
	for _, t := range types {
		f.Types[t] = true
	}
	return f
}

func (f *Filter) Emit(ctx context.Context, evt model.Event) {
	if f.Types[evt.Type] {
		f.Next.Emit(ctx, evt)
	}
}

// Async hands events to a background goroutine so slow sinks do not hold up
// ledger callers. When the buffer is full the event is dropped and counted.
type Async struct {
	name    string
	next    ledger.EventSink
	queue   chan model.Event
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewAsync(name string, next ledger.EventSink, buffer int, logger *zap.Logger, m *metrics.Metrics) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		name:    name,
		next:    next,
		queue:   make(chan model.Event, buffer),
		logger:  logger,
		metrics: m,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Emit(_ context.Context, evt model.Event) {
	select {
	case a.queue <- evt:
	default:
		a.logger.Warn("event queue full, dropping event",
			zap.String("sink", a.name), zap.String("event_id", evt.ID), zap.String("type", string(evt.Type)))
		if a.metrics != nil {
			a.metrics.SinkErrors.WithLabelValues(a.name).Inc()
		}
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for evt := range a.queue {
		a.next.Emit(context.Background(), evt)
	}
}

// Close drains queued events and stops the worker. Emit must not be called
// after Close.
func (a *Async) Close() {
	a.stopOnce.Do(func() {
		close(a.queue)
		a.wg.Wait()
	})
}
