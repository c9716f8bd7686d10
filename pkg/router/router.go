package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/gateway"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"
)

const (
	DeniedMessage  = "You do not have permission to use this command."
	FailureMessage = "Something went wrong while running that command."
)

var (
	ErrSealed            = errors.New("command registry is sealed")
	ErrInvalidDefinition = errors.New("invalid command definition")
)

// DuplicateCommandError is returned when a name or alias is already taken.
type DuplicateCommandError struct {
	Name     string
	Existing string
}

func (e *DuplicateCommandError) Error() string {
	if e.Name == e.Existing {
		return fmt.Sprintf("command %q is already registered", e.Name)
	}
	return fmt.Sprintf("command name %q is already used by %q", e.Name, e.Existing)
}

type Result int

const (
	NoMatch Result = iota
	Denied
	Matched
	Failed
)

func (r Result) String() string {
	switch r {
	case NoMatch:
		return "no_match"
	case Denied:
		return "denied"
	case Matched:
		return "matched"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type HandlerFunc func(ctx context.Context, e *CommandEvent) error

type Definition struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Permissions the author needs, as a bitset. Zero means anyone may run the command.
	Permissions discord.Permissions
	Handler     HandlerFunc
}

// Replier delivers outbound actions for command replies.
type Replier interface {
	SendWithRetry(ctx context.Context, action gateway.Action) (snowflake.ID, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, ev event.Event, def *Definition) bool
}

type AuthorizerFunc func(ctx context.Context, ev event.Event, def *Definition) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, ev event.Event, def *Definition) bool {
	return f(ctx, ev, def)
}

// PermissionAuthorizer lets administrators run everything and everyone else run commands whose
// permission bits they hold.
var PermissionAuthorizer = AuthorizerFunc(func(_ context.Context, ev event.Event, def *Definition) bool {
	if ev.Permissions.Has(discord.PermissionAdministrator) {
		return true
	}
	return ev.Permissions.Has(def.Permissions)
})

// PrefixFunc resolves the command prefix for a guild.
type PrefixFunc func(ctx context.Context, guildID snowflake.ID) string

type Router struct {
	replier    Replier
	prefix     PrefixFunc
	authorizer Authorizer

	mu       sync.RWMutex
	commands map[string]*Definition
	ordered  []*Definition
	sealed   atomic.Bool
}

type Opt func(r *Router)

func WithPrefix(prefix PrefixFunc) Opt {
	return func(r *Router) {
		r.prefix = prefix
	}
}

func WithAuthorizer(authorizer Authorizer) Opt {
	return func(r *Router) {
		r.authorizer = authorizer
	}
}

// New creates a router with the built-in help command registered.
func New(replier Replier, opts ...Opt) *Router {
	r := &Router{
		replier:    replier,
		prefix:     func(context.Context, snowflake.ID) string { return "!" },
		authorizer: PermissionAuthorizer,
		commands:   make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(r)
	}
	_ = r.Register(Definition{
		Name:        "help",
		Aliases:     []string{"commands"},
		Description: "Lists the commands you can use.",
		Handler:     r.handleHelp,
	})
	return r
}

func (r *Router) Register(def Definition) error {
	if r.sealed.Load() {
		return ErrSealed
	}
	if err := validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrSealed
	}

	names := make([]string, 0, len(def.Aliases)+1)
	for _, name := range append([]string{def.Name}, def.Aliases...) {
		key := strings.ToLower(name)
		if existing, ok := r.commands[key]; ok {
			return &DuplicateCommandError{Name: key, Existing: existing.Name}
		}
		if slices.Contains(names, key) {
			return &DuplicateCommandError{Name: key, Existing: def.Name}
		}
		names = append(names, key)
	}
	d := def
	d.Aliases = slices.Clone(def.Aliases)
	for _, key := range names {
		r.commands[key] = &d
	}
	r.ordered = append(r.ordered, &d)
	return nil
}

// MustRegister is Register for startup wiring where a duplicate is a programming error.
func (r *Router) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func validate(def Definition) error {
	if def.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidDefinition, def.Name)
	}
	for _, name := range append([]string{def.Name}, def.Aliases...) {
		if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%w: bad name %q", ErrInvalidDefinition, name)
		}
	}
	return nil
}

// Seal freezes the registry. Lookups after Seal take no locks.
func (r *Router) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Router) Lookup(name string) (*Definition, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	def, ok := r.commands[strings.ToLower(name)]
	return def, ok
}

// Definitions returns the registered commands in registration order.
func (r *Router) Definitions() []*Definition {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	return slices.Clone(r.ordered)
}

// Route resolves ev to a command and runs it. Handler errors and panics are contained here and
// reported as Failed; they never reach the caller.
func (r *Router) Route(ctx context.Context, ev event.Event) Result {
	if ev.Type != event.TypeMessage || ev.Bot {
		return NoMatch
	}
	prefix := r.prefix(ctx, ev.GuildID)
	if prefix == "" || !strings.HasPrefix(ev.Content, prefix) {
		return NoMatch
	}
	args := SplitArgs(strings.TrimPrefix(ev.Content, prefix))
	if len(args) == 0 {
		return NoMatch
	}
	def, ok := r.Lookup(args[0])
	if !ok {
		return NoMatch
	}

	cmd := &CommandEvent{
		Event:   ev,
		Command: def,
		Name:    strings.ToLower(args[0]),
		Args:    args[1:],
		Prefix:  prefix,
		replier: r.replier,
	}
	if !r.authorizer.Authorize(ctx, ev, def) {
		slog.Debug("router: permission denied",
			slog.String("command.name", def.Name),
			slog.Any("user.id", ev.UserID),
			slog.Any("guild.id", ev.GuildID))
		r.reply(ctx, cmd, DeniedMessage)
		return Denied
	}

	if err := r.invoke(ctx, cmd); err != nil {
		slog.Error("router: error while handling a command",
			slog.String("command.name", def.Name),
			slog.Any("guild.id", ev.GuildID),
			slog.Any("channel.id", ev.ChannelID),
			slog.String("event.id", ev.ID.String()),
			tint.Err(err))
		r.reply(ctx, cmd, FailureMessage)
		return Failed
	}
	return Matched
}

func (r *Router) invoke(ctx context.Context, cmd *CommandEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			hub := sentry.CurrentHub().Clone()
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("command.name", cmd.Command.Name)
				scope.SetTag("guild.id", cmd.GuildID.String())
			})
			hub.RecoverWithContext(ctx, p)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return cmd.Command.Handler(ctx, cmd)
}

func (r *Router) reply(ctx context.Context, cmd *CommandEvent, content string) {
	if err := cmd.Reply(ctx, content); err != nil {
		slog.Warn("router: failed to send reply",
			slog.String("command.name", cmd.Command.Name),
			slog.Any("channel.id", cmd.ChannelID),
			tint.Err(err))
	}
}

func (r *Router) handleHelp(ctx context.Context, e *CommandEvent) error {
	var b strings.Builder
	b.WriteString("**Commands**\n")
	for _, def := range r.Definitions() {
		if !r.authorizer.Authorize(ctx, e.Event, def) {
			continue
		}
		fmt.Fprintf(&b, "`%s%s", e.Prefix, def.Name)
		if def.Usage != "" {
			b.WriteString(" " + def.Usage)
		}
		b.WriteString("`")
		if def.Description != "" {
			b.WriteString(" - " + def.Description)
		}
		b.WriteString("\n")
	}
	return e.Reply(ctx, b.String())
}

// SplitArgs splits s on whitespace, keeping double-quoted groups together without the quotes.
// An unterminated quote runs to the end of the input.
func SplitArgs(s string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, c := range s {
		switch {
		case c == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(c) && !quoted:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(c)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
