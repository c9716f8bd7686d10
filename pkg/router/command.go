package router

import (
	"context"
	"fmt"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/gateway"
	"strconv"

	"github.com/disgoorg/snowflake/v2"
)

// CommandEvent is what a handler receives for one matched invocation.
type CommandEvent struct {
	event.Event
	Command *Definition
	// Name is the name or alias the user typed, lower-cased.
	Name   string
	Args   []string
	Prefix string

	replier Replier
}

// Reply answers in the originating channel, referencing the invoking message.
func (e *CommandEvent) Reply(ctx context.Context, content string) error {
	_, err := e.replier.SendWithRetry(ctx, gateway.Reply(e.ChannelID, e.MessageID, content))
	return err
}

func (e *CommandEvent) Replyf(ctx context.Context, format string, a ...any) error {
	return e.Reply(ctx, fmt.Sprintf(format, a...))
}

// Send performs an arbitrary outbound action, for example an announcement in another channel.
func (e *CommandEvent) Send(ctx context.Context, action gateway.Action) (snowflake.ID, error) {
	return e.replier.SendWithRetry(ctx, action)
}

// Arg returns the i-th argument or "" when absent.
func (e *CommandEvent) Arg(i int) string {
	if i < 0 || i >= len(e.Args) {
		return ""
	}
	return e.Args[i]
}

// IntArg parses the i-th argument.
func (e *CommandEvent) IntArg(i int) (int, error) {
	arg := e.Arg(i)
	if arg == "" {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	return strconv.Atoi(arg)
}

// UsageText is the one-line usage hint for the matched command.
func (e *CommandEvent) UsageText() string {
	if e.Command.Usage == "" {
		return fmt.Sprintf("Usage: `%s%s`", e.Prefix, e.Command.Name)
	}
	return fmt.Sprintf("Usage: `%s%s %s`", e.Prefix, e.Command.Name, e.Command.Usage)
}
