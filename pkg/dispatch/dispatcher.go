package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"raffle-bot/pkg/event"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStopped         = errors.New("dispatcher stopped")
	ErrNotStarted      = errors.New("dispatcher not started")
	ErrQueueFull       = errors.New("channel queue full")
	ErrDuplicate       = errors.New("duplicate event")
	ErrShutdownTimeout = errors.New("in-flight handlers did not finish within the shutdown grace period")
)

type HandlerFunc func(ctx context.Context, ev event.Event)

type Config struct {
	Workers    int
	QueueLimit int
	// DedupePeriod is how often the set of seen correlation ids is forgotten.
	DedupePeriod time.Duration
}

type lane struct {
	id        snowflake.ID
	queue     []event.Event
	scheduled bool
}

// Dispatcher runs handlers on a fixed number of workers. Events are grouped into one lane per
// channel; a lane is owned by at most one worker at a time, so events of one channel are
// handled sequentially in arrival order while different channels proceed in parallel.
type Dispatcher struct {
	handler HandlerFunc
	config  Config

	mu      sync.Mutex
	lanes   map[snowflake.ID]*lane
	ready   []*lane
	seen    map[uuid.UUID]struct{}
	started bool
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	group    *errgroup.Group
	groupCtx context.Context
	inFlight sync.WaitGroup

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
}

func New(handler HandlerFunc, config Config) *Dispatcher {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueLimit < 1 {
		config.QueueLimit = 1
	}
	return &Dispatcher{
		handler: handler,
		config:  config,
		lanes:   make(map[snowflake.ID]*lane),
		seen:    make(map[uuid.UUID]struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Handler contexts derive from ctx but are only cancelled by ctx
// or by Stop after the grace period. Cancelling ctx also ends the workers; Submit then reports
// ErrStopped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.started = true
	d.handlerCtx, d.cancelHandler = context.WithCancel(ctx)
	d.group, d.groupCtx = errgroup.WithContext(ctx)
	for range d.config.Workers {
		d.group.Go(func() error {
			return d.work(d.groupCtx)
		})
	}
	if d.config.DedupePeriod > 0 {
		d.group.Go(func() error {
			return d.cleanDedupe(d.groupCtx, d.config.DedupePeriod)
		})
	}
	return nil
}

// Submit queues ev on its channel lane. It never blocks.
func (d *Dispatcher) Submit(ev event.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if !d.started {
		return ErrNotStarted
	}
	if d.groupCtx.Err() != nil {
		return ErrStopped
	}
	if _, ok := d.seen[ev.ID]; ok {
		slog.Debug("dispatch: dropping duplicate event", slog.String("event.id", ev.ID.String()))
		return ErrDuplicate
	}

	key := ev.Lane()
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{id: key}
		d.lanes[key] = l
	}
	if len(l.queue) >= d.config.QueueLimit {
		slog.Warn("dispatch: channel queue full, dropping event",
			slog.Any("channel.id", key),
			slog.String("event.id", ev.ID.String()),
			slog.Int("queue.limit", d.config.QueueLimit))
		return ErrQueueFull
	}
	d.seen[ev.ID] = struct{}{}
	l.queue = append(l.queue, ev)
	if !l.scheduled {
		l.scheduled = true
		d.ready = append(d.ready, l)
		d.signal()
	}
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) work(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l, ev, ok := d.next()
		if !ok {
			select {
			case <-d.quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		d.run(ev)
		d.release(l)
	}
}

// next takes the head event of the first ready lane. The lane stays scheduled until release so
// no other worker can pick it up meanwhile.
func (d *Dispatcher) next() (*lane, event.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.ready) == 0 {
		return nil, event.Event{}, false
	}
	l := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	ev := l.queue[0]
	l.queue[0] = event.Event{}
	l.queue = l.queue[1:]
	d.inFlight.Add(1)
	if len(d.ready) > 0 {
		d.signal()
	}
	return l, ev, true
}

func (d *Dispatcher) run(ev event.Event) {
	defer d.inFlight.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panicked",
				slog.String("event.id", ev.ID.String()),
				slog.Any("channel.id", ev.ChannelID),
				slog.Any("panic", r))
		}
	}()
	d.handler(d.handlerCtx, ev)
}

// release puts the lane back at the tail of the ready list when more events are waiting, so a
// busy channel cannot starve the others.
func (d *Dispatcher) release(l *lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if len(l.queue) > 0 {
		d.ready = append(d.ready, l)
		d.signal()
		return
	}
	l.scheduled = false
	delete(d.lanes, l.id)
}

func (d *Dispatcher) cleanDedupe(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			d.mu.Lock()
			slog.Debug("dispatch: clearing seen events", slog.Time("timestamp", t), slog.Int("count", len(d.seen)))
			clear(d.seen)
			d.mu.Unlock()
		}
	}
}

// Pending returns the number of queued, not yet started events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.queue)
	}
	return n
}

// Stop discards queued events, then waits up to grace for running handlers. When the grace
// period runs out their context is cancelled and ErrShutdownTimeout is returned without
// waiting further.
func (d *Dispatcher) Stop(grace time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	dropped := 0
	for _, l := range d.lanes {
		dropped += len(l.queue)
	}
	clear(d.lanes)
	d.ready = nil
	started := d.started
	d.mu.Unlock()

	close(d.quit)
	if !started {
		return nil
	}
	if dropped > 0 {
		slog.Info("dispatch: dropped queued events on shutdown", slog.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		if err := d.group.Wait(); err != nil {
			slog.Debug("dispatch: workers ended with their context", tint.Err(err))
		}
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		d.cancelHandler()
		return nil
	case <-timer.C:
		d.cancelHandler()
		slog.Warn("dispatch: abandoning in-flight handlers", slog.Duration("grace", grace))
		return ErrShutdownTimeout
	}
}
