package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu           sync.Mutex
	sink         Sink
	openErrs     []error
	opens        int
	openedAt     []time.Time
	sendErrs     []error
	sends        []Action
	disconnected chan error
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{disconnected: make(chan error, 1)}
}

func (f *fakeConn) Open(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.openedAt = append(f.openedAt, time.Now())
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sink = sink
	f.disconnected = make(chan error, 1)
	return nil
}

func (f *fakeConn) Send(_ context.Context, action Action) (snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, action)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return snowflake.ID(len(f.sends)), nil
}

func (f *fakeConn) Disconnected() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeConn) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) drop(err error) {
	f.mu.Lock()
	ch := f.disconnected
	f.mu.Unlock()
	ch <- err
}

func (f *fakeConn) failNextOpens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

func (f *fakeConn) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func testClient(conn Conn, opts ...ConfigOpt) *Client {
	opts = append([]ConfigOpt{
		WithBackoff(time.Millisecond, 4*time.Millisecond),
		WithSendRetries(4, time.Millisecond),
		WithRateLimit(1000, 1000),
	}, opts...)
	return New(conn, opts...)
}

func TestConnect(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)

	require.NoError(t, c.Connect(context.Background()))
	s := c.Session()
	assert.Equal(t, StateConnected, s.State)
	assert.False(t, s.LastHeartbeat.IsZero())
}

func TestConnectFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failNextOpens(errors.New("401: Unauthorized"))
	c := testClient(conn)

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateDisconnected, c.Session().State)
}

func TestRunSessionLost(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn, WithMaxReconnects(3))
	require.NoError(t, c.Connect(context.Background()))

	refused := errors.New("connection refused")
	conn.failNextOpens(refused, refused, refused)
	conn.drop(errors.New("websocket closed"))

	err := c.Run(context.Background())
	var lostErr *SessionLostError
	require.ErrorAs(t, err, &lostErr)
	assert.Equal(t, 3, lostErr.Attempts)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateLost, c.Session().State)
	assert.Equal(t, 4, conn.openCount())
}

func TestBackOffNeverExceedsCeiling(t *testing.T) {
	ceiling := 80 * time.Millisecond
	b := newBackOff(10*time.Millisecond, ceiling)
	for range 200 {
		next := b.NextBackOff()
		require.Positive(t, next)
		assert.LessOrEqual(t, next, ceiling)
	}

	// an initial delay above the ceiling is clamped too
	b = newBackOff(time.Hour, ceiling)
	assert.LessOrEqual(t, b.NextBackOff(), ceiling)
}

func TestRunReconnectDelayCapped(t *testing.T) {
	ceiling := 40 * time.Millisecond
	conn := newFakeConn()
	c := testClient(conn, WithBackoff(ceiling, ceiling), WithMaxReconnects(6))
	require.NoError(t, c.Connect(context.Background()))

	refused := errors.New("connection refused")
	for range 6 {
		conn.failNextOpens(refused)
	}
	conn.drop(errors.New("websocket closed"))

	var lostErr *SessionLostError
	require.ErrorAs(t, c.Run(context.Background()), &lostErr)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	// the first entry is the initial connect
	reconnects := conn.openedAt[1:]
	require.Len(t, reconnects, 6)
	for i := 1; i < len(reconnects); i++ {
		// uncapped jitter reaches 1.5x the ceiling; allow a little scheduling slack
		assert.Less(t, reconnects[i].Sub(reconnects[i-1]), ceiling+ceiling/4)
	}
}

func TestRunReconnectResetsAttempts(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn, WithMaxReconnects(3))
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	refused := errors.New("connection refused")
	// two failures per drop stay below the limit, so the session survives both drops
	for range 2 {
		conn.failNextOpens(refused, refused)
		opens := conn.openCount()
		conn.drop(errors.New("websocket closed"))
		require.Eventually(t, func() bool {
			return conn.openCount() == opens+3 && c.Session().State == StateConnected
		}, time.Second, time.Millisecond)
		assert.Zero(t, c.Session().ReconnectAttempts)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestHeartbeatUpdatesSession(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	at := time.Now().Add(time.Hour)
	conn.sink.Heartbeat(at)
	require.Eventually(t, func() bool {
		return c.Session().LastHeartbeat.Equal(at)
	}, time.Second, time.Millisecond)
}

func TestEventsSurviveReconnect(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	events := c.Events()
	conn.sink.Emit(Raw{Payload: "before"})
	conn.drop(errors.New("websocket closed"))
	require.Eventually(t, func() bool { return conn.openCount() == 2 }, time.Second, time.Millisecond)
	conn.mu.Lock()
	sink := conn.sink
	conn.mu.Unlock()
	sink.Emit(Raw{Payload: "after"})

	assert.Equal(t, "before", (<-events).Payload)
	raw := <-events
	assert.Equal(t, "after", raw.Payload)
	assert.False(t, raw.ReceivedAt.IsZero())
}

func TestSendValidatesAction(t *testing.T) {
	c := testClient(newFakeConn())

	_, err := c.Send(context.Background(), Action{Type: ActionCreateMessage, ChannelID: 1})
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = c.Send(context.Background(), Action{Type: ActionDeleteMessage, ChannelID: 1})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestSendLocalRateLimit(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, WithRateLimit(0.001, 1))

	_, err := c.Send(context.Background(), Message(1, "first"))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), Message(1, "second"))
	var rateLimitErr *RateLimitError
	require.ErrorAs(t, err, &rateLimitErr)
	assert.Positive(t, rateLimitErr.RetryAfter)
	assert.Len(t, conn.sends, 1)
}

func TestSendWithRetryTransport(t *testing.T) {
	conn := newFakeConn()
	conn.sendErrs = []error{
		&TransportError{Op: "create_message", Err: errors.New("502 Bad Gateway")},
		&TransportError{Op: "create_message", Err: errors.New("connection reset")},
	}
	c := testClient(conn)

	id, err := c.SendWithRetry(context.Background(), Message(1, "hello"))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(3), id)
	assert.Len(t, conn.sends, 3)
}

func TestSendWithRetryPermanent(t *testing.T) {
	conn := newFakeConn()
	forbidden := errors.New("403: Missing Permissions")
	conn.sendErrs = []error{forbidden}
	c := testClient(conn)

	_, err := c.SendWithRetry(context.Background(), Message(1, "hello"))
	assert.ErrorIs(t, err, forbidden)
	assert.Len(t, conn.sends, 1)
}

func TestSendWithRetryGivesUp(t *testing.T) {
	conn := newFakeConn()
	for range 10 {
		conn.sendErrs = append(conn.sendErrs, &TransportError{Op: "create_message", Err: errors.New("503")})
	}
	c := testClient(conn)

	_, err := c.SendWithRetry(context.Background(), Message(1, "hello"))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Len(t, conn.sends, 4)
}

func TestClose(t *testing.T) {
	conn := newFakeConn()
	c := testClient(conn)
	require.NoError(t, c.Connect(context.Background()))

	c.Close(context.Background())
	c.Close(context.Background())

	assert.True(t, conn.closed)
	assert.Equal(t, StateDisconnected, c.Session().State)
	_, err := c.Send(context.Background(), Message(1, "late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.NoError(t, c.Run(context.Background()))

	// emits after close must not block
	conn.sink.Emit(Raw{Payload: "late"})
}

func TestSendWithRetryStopsOnCancel(t *testing.T) {
	conn := newFakeConn()
	for range 10 {
		conn.sendErrs = append(conn.sendErrs, &TransportError{Op: "create_message", Err: errors.New("503")})
	}
	c := New(conn, WithSendRetries(10, time.Hour), WithRateLimit(1000, 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SendWithRetry(ctx, Message(1, "hello"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
