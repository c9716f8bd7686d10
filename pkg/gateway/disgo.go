package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
)

const statusPollInterval = time.Second

// DisgoConn is the production Conn backed by a disgo bot client. disgo's own reconnect logic is
// disabled so the Client decides when and how often to reconnect.
type DisgoConn struct {
	client *bot.Client

	mu           sync.Mutex
	sink         Sink
	disconnected chan error
	stopMonitor  context.CancelFunc
}

func NewDisgoConn(token string) (*DisgoConn, error) {
	c := &DisgoConn{disconnected: make(chan error, 1)}
	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(gateway.IntentGuilds, gateway.IntentGuildMessages, gateway.IntentMessageContent, gateway.IntentGuildMembers),
			gateway.WithAutoReconnect(false),
			gateway.WithPresenceOpts(gateway.WithListeningActivity("!help")),
		),
		bot.WithCacheConfigOpts(cache.WithCaches(cache.FlagGuilds, cache.FlagChannels, cache.FlagRoles, cache.FlagMembers)),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnMessageCreate: func(ev *events.MessageCreate) {
				c.emit(ev, c.authorPermissions(ev))
			},
			OnGuildMemberJoin: func(ev *events.GuildMemberJoin) {
				c.emit(ev, 0)
			},
			OnGuildReady: func(ev *events.GuildReady) {
				c.emit(ev, 0)
			},
		}),
	)
	if err != nil {
		return nil, err
	}
	c.client = client
	slog.Info("gateway: disgo client created", slog.String("disgo.version", disgo.Version))
	return c, nil
}

func (c *DisgoConn) Open(ctx context.Context, sink Sink) error {
	c.mu.Lock()
	c.sink = sink
	if c.stopMonitor != nil {
		c.stopMonitor()
	}
	c.mu.Unlock()

	if err := c.client.OpenGateway(ctx); err != nil {
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	disconnected := make(chan error, 1)
	c.mu.Lock()
	c.disconnected = disconnected
	c.stopMonitor = cancel
	c.mu.Unlock()

	go c.monitor(monitorCtx, sink, disconnected)
	return nil
}

// monitor polls the gateway status, reporting liveness while ready and a single disconnect
// once the connection drops.
func (c *DisgoConn) monitor(ctx context.Context, sink Sink, disconnected chan<- error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			switch c.client.Gateway.Status() {
			case gateway.StatusReady:
				sink.Heartbeat(t)
				slog.Debug("gateway: heartbeat", slog.Duration("latency", c.client.Gateway.Latency()))
			case gateway.StatusDisconnected:
				disconnected <- errors.New("gateway connection closed")
				return
			}
		}
	}
}

func (c *DisgoConn) Disconnected() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *DisgoConn) Close(ctx context.Context) {
	c.mu.Lock()
	if c.stopMonitor != nil {
		c.stopMonitor()
	}
	c.sink = nil
	c.mu.Unlock()
	c.client.Close(ctx)
}

func (c *DisgoConn) emit(payload any, permissions discord.Permissions) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Emit(Raw{Payload: payload, Permissions: permissions, ReceivedAt: time.Now()})
}

func (c *DisgoConn) authorPermissions(ev *events.MessageCreate) discord.Permissions {
	if ev.GuildID == nil {
		return 0
	}
	caches := c.client.Caches
	member, ok := caches.Member(*ev.GuildID, ev.Message.Author.ID)
	if !ok {
		if ev.Message.Member == nil {
			return 0
		}
		member = *ev.Message.Member
		member.User = ev.Message.Author
		member.GuildID = *ev.GuildID
	}
	return caches.MemberPermissions(member)
}

func (c *DisgoConn) Send(ctx context.Context, action Action) (snowflake.ID, error) {
	r := c.client.Rest
	switch action.Type {
	case ActionCreateMessage:
		create := discord.MessageCreate{
			Content:         action.Content,
			Embeds:          action.Embeds,
			AllowedMentions: &discord.AllowedMentions{},
		}
		if action.ReplyTo != 0 {
			create.MessageReference = &discord.MessageReference{MessageID: &action.ReplyTo}
		}
		msg, err := r.CreateMessage(action.ChannelID, create, rest.WithCtx(ctx))
		if err != nil {
			return 0, classify(action.Type, err)
		}
		return msg.ID, nil
	case ActionEditMessage:
		update := discord.MessageUpdate{Content: json.Ptr(action.Content)}
		if action.Embeds != nil {
			update.Embeds = &action.Embeds
		}
		msg, err := r.UpdateMessage(action.ChannelID, action.MessageID, update, rest.WithCtx(ctx))
		if err != nil {
			return 0, classify(action.Type, err)
		}
		return msg.ID, nil
	case ActionAddReaction:
		if err := r.AddReaction(action.ChannelID, action.MessageID, action.Emoji, rest.WithCtx(ctx)); err != nil {
			return 0, classify(action.Type, err)
		}
		return action.MessageID, nil
	case ActionDeleteMessage:
		if err := r.DeleteMessage(action.ChannelID, action.MessageID, rest.WithCtx(ctx)); err != nil {
			return 0, classify(action.Type, err)
		}
		return action.MessageID, nil
	}
	return 0, ErrInvalidAction
}

// classify maps a disgo rest failure onto the gateway error taxonomy.
func classify(t ActionType, err error) error {
	op := t.String()
	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch status := restErr.Response.StatusCode; {
		case status == http.StatusTooManyRequests:
			return &RateLimitError{Op: op, RetryAfter: retryAfter(restErr.Response.Header.Get("Retry-After"))}
		case status >= http.StatusInternalServerError:
			return &TransportError{Op: op, Err: err}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Err: err}
	}
	return err
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
