package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Raw is an inbound platform payload before normalization.
type Raw struct {
	Payload any
	// Permissions are the author's resolved guild permissions, when the platform knows them.
	Permissions discord.Permissions
	ReceivedAt  time.Time
}

// Sink receives inbound traffic from a Conn.
type Sink interface {
	Emit(raw Raw)
	Heartbeat(at time.Time)
}

// Conn is the platform capability the Client supervises. Open may be called again after the
// channel returned by Disconnected fires.
type Conn interface {
	Open(ctx context.Context, sink Sink) error
	Send(ctx context.Context, action Action) (snowflake.ID, error)
	Disconnected() <-chan error
	Close(ctx context.Context)
}

// Client owns the gateway session: it reconnects on unexpected disconnects, throttles outbound
// actions and exposes one event stream that outlives individual connections.
type Client struct {
	conn    Conn
	config  Config
	limiter *rate.Limiter

	events     chan Raw
	heartbeats chan time.Time
	closed     chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	session Session
}

func New(conn Conn, opts ...ConfigOpt) *Client {
	config := DefaultConfig()
	config.Apply(opts)
	return &Client{
		conn:       conn,
		config:     *config,
		limiter:    rate.NewLimiter(config.SendRate, config.SendBurst),
		events:     make(chan Raw, config.EventBuffer),
		heartbeats: make(chan time.Time, 1),
		closed:     make(chan struct{}),
	}
}

// Events returns the inbound stream. It is never closed; consumers stop on Done.
func (c *Client) Events() <-chan Raw {
	return c.events
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) update(fn func(s *Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.session)
}

// Connect establishes the initial session.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.update(func(s *Session) { s.State = StateConnecting })
	if err := c.conn.Open(ctx, (*clientSink)(c)); err != nil {
		c.update(func(s *Session) { s.State = StateDisconnected })
		return &ConnectionError{Err: err}
	}
	now := time.Now()
	c.update(func(s *Session) {
		s.State = StateConnected
		s.LastHeartbeat = now
		s.ReconnectAttempts = 0
	})
	slog.Info("gateway: session established")
	return nil
}

// Run supervises the session until ctx is done or the client is closed, reconnecting with
// capped exponential backoff. It returns a *SessionLostError once MaxReconnects consecutive
// attempts have failed.
func (c *Client) Run(ctx context.Context) error {
	disconnected := c.conn.Disconnected()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case at := <-c.heartbeats:
			c.update(func(s *Session) { s.LastHeartbeat = at })
		case err := <-disconnected:
			select {
			case <-c.closed:
				return nil
			default:
			}
			slog.Warn("gateway: session dropped, reconnecting", tint.Err(err))
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			disconnected = c.conn.Disconnected()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		c.update(func(s *Session) {
			s.State = StateReconnecting
			s.ReconnectAttempts = attempts
		})
		return struct{}{}, c.conn.Open(ctx, (*clientSink)(c))
	},
		backoff.WithBackOff(newBackOff(c.config.BackoffInitial, c.config.BackoffCeiling)),
		backoff.WithMaxTries(uint(c.config.MaxReconnects)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("gateway: reconnect attempt failed",
				slog.Int("attempt", attempts),
				slog.Duration("retry.in", next),
				tint.Err(err))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.update(func(s *Session) { s.State = StateLost })
		return &SessionLostError{Attempts: attempts, Err: err}
	}
	now := time.Now()
	c.update(func(s *Session) {
		s.State = StateConnected
		s.LastHeartbeat = now
		s.ReconnectAttempts = 0
	})
	slog.Info("gateway: session re-established", slog.Int("attempts", attempts))
	return nil
}

// Send performs one outbound action. A *RateLimitError is returned without contacting the
// platform when the local send budget is exhausted.
func (c *Client) Send(ctx context.Context, action Action) (snowflake.ID, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}
	if err := action.Validate(); err != nil {
		return 0, err
	}
	if r := c.limiter.Reserve(); r.Delay() > 0 {
		delay := r.Delay()
		r.Cancel()
		return 0, &RateLimitError{Op: action.Type.String(), RetryAfter: delay}
	}
	return c.conn.Send(ctx, action)
}

// SendWithRetry retries rate limited and transport failures with backoff. Other errors are
// returned immediately.
func (c *Client) SendWithRetry(ctx context.Context, action Action) (snowflake.ID, error) {
	var lastErr error
	id, err := backoff.Retry(ctx, func() (snowflake.ID, error) {
		id, err := c.Send(ctx, action)
		if err == nil {
			return id, nil
		}
		lastErr = err
		var rateLimitErr *RateLimitError
		if errors.As(err, &rateLimitErr) {
			return 0, backoff.RetryAfter(int(math.Ceil(rateLimitErr.RetryAfter.Seconds())))
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return 0, err
		}
		return 0, backoff.Permanent(err)
	},
		backoff.WithBackOff(newBackOff(c.config.SendRetryInitial, c.config.BackoffCeiling)),
		backoff.WithMaxTries(uint(c.config.SendRetries)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return id, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, err
}

// cappedBackOff clamps the jittered exponential delay, which can otherwise land above MaxInterval.
type cappedBackOff struct {
	*backoff.ExponentialBackOff
	ceiling time.Duration
}

func newBackOff(initial time.Duration, ceiling time.Duration) *cappedBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(initial, ceiling)
	b.MaxInterval = ceiling
	return &cappedBackOff{ExponentialBackOff: b, ceiling: ceiling}
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	return min(b.ExponentialBackOff.NextBackOff(), b.ceiling)
}

// Close ends the session. Pending Emit calls are released.
func (c *Client) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(ctx)
		c.update(func(s *Session) { s.State = StateDisconnected })
		slog.Info("gateway: session closed")
	})
}

type clientSink Client

func (s *clientSink) Emit(raw Raw) {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now()
	}
	select {
	case s.events <- raw:
	case <-s.closed:
	}
}

func (s *clientSink) Heartbeat(at time.Time) {
	select {
	case s.heartbeats <- at:
	default:
	}
}
