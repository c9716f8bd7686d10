package router

import (
	"context"
	"errors"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/gateway"
	"strings"
	"sync"
	"testing"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReplier struct {
	mu      sync.Mutex
	actions []gateway.Action
	err     error
}

func (r *recordingReplier) SendWithRetry(_ context.Context, action gateway.Action) (snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return snowflake.ID(len(r.actions)), r.err
}

func (r *recordingReplier) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.actions {
		out = append(out, a.Content)
	}
	return out
}

func message(content string) event.Event {
	return event.Event{
		ID:        event.CorrelationID(event.TypeMessage, content),
		Type:      event.TypeMessage,
		GuildID:   1,
		ChannelID: 2,
		UserID:    3,
		MessageID: 4,
		Content:   content,
	}
}

func pingDefinition() Definition {
	return Definition{
		Name: "ping",
		Handler: func(ctx context.Context, e *CommandEvent) error {
			return e.Reply(ctx, "Pong!")
		},
	}
}

func TestRoutePing(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	require.NoError(t, r.Register(pingDefinition()))
	r.Seal()

	assert.Equal(t, Matched, r.Route(context.Background(), message("!ping")))
	require.Len(t, replier.actions, 1)
	reply := replier.actions[0]
	assert.Equal(t, "Pong!", reply.Content)
	assert.Equal(t, snowflake.ID(2), reply.ChannelID)
	assert.Equal(t, snowflake.ID(4), reply.ReplyTo)
}

func TestRouteNoMatch(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	require.NoError(t, r.Register(pingDefinition()))

	bot := message("!ping")
	bot.Bot = true
	join := message("!ping")
	join.Type = event.TypeMemberJoin

	for _, ev := range []event.Event{message("ping"), message("!pong"), message("!"), message("?ping"), bot, join} {
		assert.Equal(t, NoMatch, r.Route(context.Background(), ev), ev.Content)
	}
	assert.Empty(t, replier.actions)
}

func TestRouteCaseInsensitiveAndAliases(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	var got []string
	require.NoError(t, r.Register(Definition{
		Name:    "balance",
		Aliases: []string{"tokens"},
		Handler: func(ctx context.Context, e *CommandEvent) error {
			got = append(got, e.Name)
			return nil
		},
	}))

	assert.Equal(t, Matched, r.Route(context.Background(), message("!BALANCE")))
	assert.Equal(t, Matched, r.Route(context.Background(), message("!tokens")))
	assert.Equal(t, []string{"balance", "tokens"}, got)
}

func TestRouteArgs(t *testing.T) {
	r := New(&recordingReplier{})
	var args []string
	require.NoError(t, r.Register(Definition{
		Name: "prediction",
		Handler: func(ctx context.Context, e *CommandEvent) error {
			args = e.Args
			return nil
		},
	}))

	r.Route(context.Background(), message(`!prediction start "red team" blue`))
	assert.Equal(t, []string{"start", "red team", "blue"}, args)
}

func TestRouteGuildPrefix(t *testing.T) {
	r := New(&recordingReplier{}, WithPrefix(func(_ context.Context, guildID snowflake.ID) string {
		if guildID == 1 {
			return "$"
		}
		return "!"
	}))
	require.NoError(t, r.Register(pingDefinition()))

	assert.Equal(t, NoMatch, r.Route(context.Background(), message("!ping")))
	assert.Equal(t, Matched, r.Route(context.Background(), message("$ping")))
}

func TestRouteDenied(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	called := false
	require.NoError(t, r.Register(Definition{
		Name:        "raffle",
		Permissions: discord.PermissionManageGuild,
		Handler: func(ctx context.Context, e *CommandEvent) error {
			called = true
			return nil
		},
	}))

	assert.Equal(t, Denied, r.Route(context.Background(), message("!raffle start")))
	assert.False(t, called)
	assert.Equal(t, []string{DeniedMessage}, replier.contents())

	admin := message("!raffle start")
	admin.Permissions = discord.PermissionAdministrator
	assert.Equal(t, Matched, r.Route(context.Background(), admin))

	manager := message("!raffle start")
	manager.Permissions = discord.PermissionManageGuild | discord.PermissionSendMessages
	assert.Equal(t, Matched, r.Route(context.Background(), manager))
}

func TestRouteHandlerFailure(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	require.NoError(t, r.Register(Definition{
		Name: "broken",
		Handler: func(ctx context.Context, e *CommandEvent) error {
			return errors.New("database exploded")
		},
	}))
	require.NoError(t, r.Register(Definition{
		Name: "panics",
		Handler: func(ctx context.Context, e *CommandEvent) error {
			var m map[string]int
			m["boom"]++
			return nil
		},
	}))
	require.NoError(t, r.Register(pingDefinition()))

	assert.Equal(t, Failed, r.Route(context.Background(), message("!broken")))
	assert.Equal(t, Failed, r.Route(context.Background(), message("!panics")))
	// the router keeps working after a failing handler
	assert.Equal(t, Matched, r.Route(context.Background(), message("!ping")))
	assert.Equal(t, []string{FailureMessage, FailureMessage, "Pong!"}, replier.contents())
}

func TestRouteReplyFailureIsContained(t *testing.T) {
	replier := &recordingReplier{err: &gateway.TransportError{Op: "create_message", Err: errors.New("503")}}
	r := New(replier)
	require.NoError(t, r.Register(Definition{
		Name:        "secret",
		Permissions: discord.PermissionAdministrator,
		Handler:     func(context.Context, *CommandEvent) error { return nil },
	}))

	assert.Equal(t, Denied, r.Route(context.Background(), message("!secret")))
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(&recordingReplier{})
	require.NoError(t, r.Register(Definition{Name: "balance", Aliases: []string{"tokens"}, Handler: pingDefinition().Handler}))

	tests := []Definition{
		{Name: "balance"},
		{Name: "Balance"},
		{Name: "tokens"},
		{Name: "wallet", Aliases: []string{"TOKENS"}},
		{Name: "help"},
		{Name: "same", Aliases: []string{"same"}},
	}
	for _, def := range tests {
		def.Handler = pingDefinition().Handler
		var dupErr *DuplicateCommandError
		assert.ErrorAs(t, r.Register(def), &dupErr, def.Name)
	}

	_, ok := r.Lookup("wallet")
	assert.False(t, ok, "a rejected definition must not be partially registered")
}

func TestRegisterInvalid(t *testing.T) {
	r := New(&recordingReplier{})

	assert.ErrorIs(t, r.Register(Definition{Name: "nohandler"}), ErrInvalidDefinition)
	assert.ErrorIs(t, r.Register(Definition{Name: "", Handler: pingDefinition().Handler}), ErrInvalidDefinition)
	assert.ErrorIs(t, r.Register(Definition{Name: "two words", Handler: pingDefinition().Handler}), ErrInvalidDefinition)
}

func TestRegisterAfterSeal(t *testing.T) {
	r := New(&recordingReplier{})
	r.Seal()

	assert.ErrorIs(t, r.Register(pingDefinition()), ErrSealed)
	assert.Panics(t, func() { r.MustRegister(pingDefinition()) })
}

func TestHelpListsAuthorizedCommands(t *testing.T) {
	replier := &recordingReplier{}
	r := New(replier)
	r.MustRegister(
		Definition{Name: "ping", Description: "Checks the bot is alive.", Handler: pingDefinition().Handler},
		Definition{Name: "settings", Usage: "<key> <value>", Permissions: discord.PermissionManageGuild, Handler: pingDefinition().Handler},
	)
	r.Seal()

	assert.Equal(t, Matched, r.Route(context.Background(), message("!help")))
	require.Len(t, replier.actions, 1)
	help := replier.actions[0].Content
	assert.Contains(t, help, "`!ping` - Checks the bot is alive.")
	assert.Contains(t, help, "`!help`")
	assert.NotContains(t, help, "settings")
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "ping", want: []string{"ping"}},
		{in: "  bet   red\t10 ", want: []string{"bet", "red", "10"}},
		{in: `start "a b" c`, want: []string{"start", "a b", "c"}},
		{in: `say ""`, want: []string{"say", ""}},
		{in: `open "unterminated quote`, want: []string{"open", "unterminated quote"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitArgs(tt.in), tt.in)
	}
}

func TestRegistryProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("registering a taken name always fails", prop.ForAll(
		func(name string) bool {
			r := New(&recordingReplier{})
			if err := r.Register(Definition{Name: name, Handler: pingDefinition().Handler}); err != nil {
				// only the built-in help names may already be taken
				lower := strings.ToLower(name)
				return lower == "help" || lower == "commands"
			}
			var dupErr *DuplicateCommandError
			return errors.As(r.Register(Definition{Name: strings.ToUpper(name), Handler: pingDefinition().Handler}), &dupErr)
		},
		gen.Identifier(),
	))
	properties.Property("unknown command tokens never match", prop.ForAll(
		func(name string) bool {
			replier := &recordingReplier{}
			r := New(replier)
			r.MustRegister(pingDefinition())
			r.Seal()
			switch strings.ToLower(name) {
			case "ping", "help", "commands":
				return true
			}
			return r.Route(context.Background(), message("!"+name)) == NoMatch && len(replier.actions) == 0
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
