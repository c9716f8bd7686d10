package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"raffle-bot/pkg/dispatch"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/gateway"
	"raffle-bot/pkg/router"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrStopped        = errors.New("orchestrator stopped")
)

// Gateway is the part of the gateway client the orchestrator drives.
type Gateway interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Events() <-chan gateway.Raw
	Close(ctx context.Context)
}

type Normalizer interface {
	Normalize(raw gateway.Raw) (event.Event, bool)
}

type Router interface {
	Seal()
	Route(ctx context.Context, ev event.Event) router.Result
}

// Store is released last, after every handler that could use it has returned.
type Store interface {
	Close() error
}

// Service is a background component started before the gateway connects, for example a cache
// kept fresh by a store watch. It must not block and stops when ctx is cancelled.
type Service interface {
	Start(ctx context.Context) error
}

// Drainer settles in-memory state once no handler can run anymore, before the store is
// released. Refunding open predictions is one example.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Listener observes every normalized event, after routing for message events.
type Listener interface {
	OnEvent(ctx context.Context, ev event.Event)
}

type Config struct {
	Workers       int
	QueueLimit    int
	DedupePeriod  time.Duration
	ShutdownGrace time.Duration
}

type Orchestrator struct {
	gateway    Gateway
	normalizer Normalizer
	router     Router
	store      Store
	services   []Service
	listeners  []Listener
	drainers   []Drainer
	config     Config

	dispatcher *dispatch.Dispatcher
	group      errgroup.Group
	cancel     context.CancelFunc

	mu       sync.Mutex
	started  bool
	fatalErr error
	stopErr  error
	stopOnce sync.Once
	stopped  chan struct{}
}

type Opt func(o *Orchestrator)

func WithServices(services ...Service) Opt {
	return func(o *Orchestrator) {
		o.services = append(o.services, services...)
	}
}

func WithListeners(listeners ...Listener) Opt {
	return func(o *Orchestrator) {
		o.listeners = append(o.listeners, listeners...)
	}
}

func WithDrainers(drainers ...Drainer) Opt {
	return func(o *Orchestrator) {
		o.drainers = append(o.drainers, drainers...)
	}
}

func New(gw Gateway, normalizer Normalizer, r Router, store Store, config Config, opts ...Opt) *Orchestrator {
	o := &Orchestrator{
		gateway:    gw,
		normalizer: normalizer,
		router:     r,
		store:      store,
		config:     config,
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dispatcher = dispatch.New(o.handle, dispatch.Config{
		Workers:      config.Workers,
		QueueLimit:   config.QueueLimit,
		DedupePeriod: config.DedupePeriod,
	})
	return o
}

// Start wires the pipeline and connects. On error everything started so far is released.
func (o *Orchestrator) Start(ctx context.Context) error {
	select {
	case <-o.stopped:
		return ErrStopped
	default:
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	for _, service := range o.services {
		if err := service.Start(runCtx); err != nil {
			o.abort()
			return fmt.Errorf("start service: %w", err)
		}
	}
	o.router.Seal()
	if err := o.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		o.abort()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := o.gateway.Connect(ctx); err != nil {
		o.abort()
		return err
	}

	o.group.Go(func() error {
		o.pump(runCtx)
		return nil
	})
	o.group.Go(func() error {
		if err := o.gateway.Run(runCtx); err != nil {
			o.fail(err)
		}
		return nil
	})
	slog.Info("orchestrator: started", slog.Int("workers", o.config.Workers))
	return nil
}

func (o *Orchestrator) abort() {
	o.cancel()
	_ = o.dispatcher.Stop(0)
	if err := o.store.Close(); err != nil {
		slog.Warn("orchestrator: error while closing store", tint.Err(err))
	}
	o.stopOnce.Do(func() { close(o.stopped) })
}

func (o *Orchestrator) pump(ctx context.Context) {
	events := o.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-events:
			ev, ok := o.normalizer.Normalize(raw)
			if !ok {
				continue
			}
			if err := o.dispatcher.Submit(ev); errors.Is(err, dispatch.ErrStopped) {
				return
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event.Event) {
	if ev.Type == event.TypeMessage {
		result := o.router.Route(ctx, ev)
		if result != router.NoMatch {
			slog.Debug("orchestrator: routed command",
				slog.String("event.id", ev.ID.String()),
				slog.String("result", result.String()))
		}
	}
	for _, l := range o.listeners {
		l.OnEvent(ctx, ev)
	}
}

// fail records the first fatal error and shuts everything down.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	if o.fatalErr == nil {
		o.fatalErr = err
	}
	o.mu.Unlock()
	slog.Error("orchestrator: fatal error, shutting down", tint.Err(err))
	go func() {
		_ = o.Stop(context.Background())
	}()
}

// Wait blocks until the orchestrator has stopped and returns the fatal error that caused the
// stop, or nil for a requested shutdown.
func (o *Orchestrator) Wait() error {
	<-o.stopped
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatalErr
}

// Stop closes the gateway session, drains the dispatcher and releases the store, in that
// order. It is safe to call more than once; later calls wait for the first to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	first := false
	o.stopOnce.Do(func() {
		first = true
		o.stopErr = o.shutdown(ctx)
		close(o.stopped)
	})
	if !first {
		<-o.stopped
	}
	return o.stopErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil
	}
	slog.Info("orchestrator: shutting down")

	o.gateway.Close(ctx)
	o.cancel()
	_ = o.group.Wait()

	var errs []error
	if err := o.dispatcher.Stop(o.config.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}
	for _, d := range o.drainers {
		if err := d.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	slog.Info("orchestrator: stopped")
	return errors.Join(errs...)
}
