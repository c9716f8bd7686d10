package handlers

import (
	"context"
	"log/slog"
	"raffle-bot/pkg"
	"raffle-bot/pkg/config"
	"raffle-bot/pkg/gateway"
	"raffle-bot/pkg/router"
	"strings"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
)

const guildOnlyMessage = "This command can only be used in a server."

func NewHandler(b *pkg.Bot, c *config.Config) *Handler {
	return &Handler{
		Bot:    b,
		Config: c,
	}
}

type Handler struct {
	Bot    *pkg.Bot
	Config *config.Config
}

// Definitions is the command set registered with the router.
func (h *Handler) Definitions() []router.Definition {
	return []router.Definition{
		{
			Name:        "ping",
			Description: "Checks that the bot is responding.",
			Handler:     h.HandlePing,
		},
		{
			Name:        "author",
			Aliases:     []string{"about"},
			Description: "Shows what the bot runs on.",
			Handler:     h.HandleAuthor,
		},
		{
			Name:        "balance",
			Aliases:     []string{"tokens"},
			Usage:       "[@member]",
			Description: "Shows a token balance.",
			Handler:     guildOnly(h.HandleBalance),
		},
		{
			Name:        "settings",
			Aliases:     []string{"config"},
			Usage:       "[show|prefix|admin-role|activity-channel|starting-tickets|tier-role|ban|unban] ...",
			Description: "Shows or changes the server settings.",
			Permissions: discord.PermissionManageGuild,
			Handler:     guildOnly(h.HandleSettings),
		},
		{
			Name:        "raffle",
			Usage:       "<status|enter|start|close|end|reset> ...",
			Description: "Runs the server raffle.",
			Handler:     guildOnly(h.HandleRaffle),
		},
		{
			Name:        "enter",
			Aliases:     []string{"join"},
			Description: "Enters the running raffle.",
			Handler:     guildOnly(h.HandleEnter),
		},
		{
			Name:        "prediction",
			Aliases:     []string{"predict"},
			Usage:       "<status|bet|start|end|reset|cancel> ...",
			Description: "Runs the server prediction.",
			Handler:     guildOnly(h.HandlePrediction),
		},
		{
			Name:        "bet",
			Usage:       "<tokens> <option>",
			Description: "Bets tokens on an option of the running prediction.",
			Handler:     guildOnly(h.HandleBet),
		},
	}
}

func (h *Handler) HandlePing(ctx context.Context, e *router.CommandEvent) error {
	return e.Reply(ctx, "Pong!")
}

func (h *Handler) HandleAuthor(ctx context.Context, e *router.CommandEvent) error {
	return e.Replyf(ctx, "Raffle bot running on disgo **%s**. Type `%shelp` for the command list.", disgo.Version, e.Prefix)
}

func guildOnly(fn router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, e *router.CommandEvent) error {
		if e.GuildID == 0 {
			return e.Reply(ctx, guildOnlyMessage)
		}
		return fn(ctx, e)
	}
}

// requireAdmin replies and returns false when the author may not manage activities.
func (h *Handler) requireAdmin(ctx context.Context, e *router.CommandEvent) (bool, error) {
	if h.Bot.DB.IsAdmin(ctx, e.Event) || e.Permissions.Has(discord.PermissionManageGuild) {
		return true, nil
	}
	return false, e.Reply(ctx, router.DeniedMessage)
}

// announce posts content in the guild's activity channel, or answers in place when none is set.
func (h *Handler) announce(ctx context.Context, e *router.CommandEvent, content string) error {
	cfg, err := h.Bot.DB.GetGuildConfig(ctx, e.GuildID)
	if err != nil {
		slog.Warn("handlers: error while getting activity channel", slog.Any("guild.id", e.GuildID), tint.Err(err))
	}
	if cfg.ActivityChannel == 0 || cfg.ActivityChannel == e.ChannelID {
		return e.Reply(ctx, content)
	}
	if _, err := e.Send(ctx, gateway.Message(cfg.ActivityChannel, content)); err != nil {
		slog.Warn("handlers: error while announcing, answering in place",
			slog.Any("guild.id", e.GuildID),
			slog.Any("channel.id", cfg.ActivityChannel),
			tint.Err(err))
		return e.Reply(ctx, content)
	}
	return nil
}

// parseMention accepts a raw id or a user, role or channel mention.
func parseMention(s string) (snowflake.ID, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimLeft(s[1:len(s)-1], "@!&#")
	}
	id, err := snowflake.Parse(s)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func mention(id snowflake.ID) string {
	return "<@" + id.String() + ">"
}

func mentions(ids []snowflake.ID) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = mention(id)
	}
	return strings.Join(out, ", ")
}

// subcommand splits the first argument off, lower-cased.
func subcommand(e *router.CommandEvent) (string, []string) {
	if len(e.Args) == 0 {
		return "", nil
	}
	return strings.ToLower(e.Args[0]), e.Args[1:]
}
