package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"raffle-bot/pkg/config"
	"raffle-bot/pkg/router"
	"slices"
	"strconv"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
)

const maxPrefixLength = 5

func (h *Handler) HandleSettings(ctx context.Context, e *router.CommandEvent) error {
	sub, args := subcommand(e)
	switch sub {
	case "", "show":
		return h.showSettings(ctx, e)
	case "prefix":
		return h.setPrefix(ctx, e, args)
	case "admin-role":
		return h.setAdminRole(ctx, e, args)
	case "activity-channel":
		return h.setActivityChannel(ctx, e, args)
	case "starting-tickets":
		return h.setStartingTickets(ctx, e, args)
	case "tier-role":
		return h.setTierRole(ctx, e, args)
	case "ban", "unban":
		return h.setBanned(ctx, e, sub == "ban", args)
	}
	return e.Reply(ctx, e.UsageText())
}

func (h *Handler) showSettings(ctx context.Context, e *router.CommandEvent) error {
	cfg, err := h.Bot.DB.GetGuildConfig(ctx, e.GuildID)
	if err != nil {
		slog.Error("handlers: error while getting guild config", slog.Any("guild.id", e.GuildID), tint.Err(err))
		return e.Reply(ctx, "There was an error while getting the guild configuration.")
	}
	var b strings.Builder
	b.WriteString("**Settings**\n")
	fmt.Fprintf(&b, "Prefix: `%s`\n", cfg.Prefix)
	fmt.Fprintf(&b, "Admin roles: %s\n", roleList(cfg.AdminRoles))
	if cfg.ActivityChannel == 0 {
		b.WriteString("Activity channel: *none*\n")
	} else {
		fmt.Fprintf(&b, "Activity channel: <#%s>\n", cfg.ActivityChannel)
	}
	fmt.Fprintf(&b, "Starting tickets: **%d**\n", cfg.StartingTickets)
	for i, role := range cfg.TierRoles {
		tier := config.Tier1 + config.Tier(i)
		if role == 0 {
			fmt.Fprintf(&b, "%s: *none*\n", tier)
			continue
		}
		fmt.Fprintf(&b, "%s: <@&%s> (+%d tickets)\n", tier, role, tier.Bonus())
	}
	fmt.Fprintf(&b, "Banned members: **%d**", len(cfg.Banned))
	return e.Reply(ctx, b.String())
}

func (h *Handler) setPrefix(ctx context.Context, e *router.CommandEvent, args []string) error {
	if len(args) != 1 || len(args[0]) > maxPrefixLength || strings.ContainsAny(args[0], " \t\n`") {
		return e.Replyf(ctx, "The prefix must be a single word of at most %d characters.", maxPrefixLength)
	}
	prefix := args[0]
	return h.updateSettings(ctx, e, func(cfg *config.Guild) {
		cfg.Prefix = prefix
	}, fmt.Sprintf("Prefix has been set to `%s`.", prefix))
}

func (h *Handler) setAdminRole(ctx context.Context, e *router.CommandEvent, args []string) error {
	if len(args) != 2 {
		return e.Replyf(ctx, "Usage: `%s%s admin-role <add|remove> <@role>`", e.Prefix, e.Command.Name)
	}
	roleID, ok := parseMention(args[1])
	if !ok {
		return e.Replyf(ctx, "`%s` is not a role.", args[1])
	}
	switch strings.ToLower(args[0]) {
	case "add":
		return h.updateSettings(ctx, e, func(cfg *config.Guild) {
			if !cfg.IsAdminRole(roleID) {
				cfg.AdminRoles = append(cfg.AdminRoles, roleID)
			}
		}, fmt.Sprintf("<@&%s> can now manage the bot.", roleID))
	case "remove":
		return h.updateSettings(ctx, e, func(cfg *config.Guild) {
			cfg.AdminRoles = slices.DeleteFunc(cfg.AdminRoles, func(id snowflake.ID) bool { return id == roleID })
		}, fmt.Sprintf("<@&%s> can no longer manage the bot.", roleID))
	}
	return e.Replyf(ctx, "Usage: `%s%s admin-role <add|remove> <@role>`", e.Prefix, e.Command.Name)
}

func (h *Handler) setActivityChannel(ctx context.Context, e *router.CommandEvent, args []string) error {
	if len(args) != 1 {
		return e.Replyf(ctx, "Usage: `%s%s activity-channel <#channel|here|off>`", e.Prefix, e.Command.Name)
	}
	var channelID snowflake.ID
	switch strings.ToLower(args[0]) {
	case "off", "none":
	case "here":
		channelID = e.ChannelID
	default:
		id, ok := parseMention(args[0])
		if !ok {
			return e.Replyf(ctx, "`%s` is not a channel.", args[0])
		}
		channelID = id
	}
	success := "Announcements will be posted where the command is used."
	if channelID != 0 {
		success = fmt.Sprintf("Announcements will be posted in <#%s>.", channelID)
	}
	return h.updateSettings(ctx, e, func(cfg *config.Guild) {
		cfg.ActivityChannel = channelID
	}, success)
}

func (h *Handler) setStartingTickets(ctx context.Context, e *router.CommandEvent, args []string) error {
	if len(args) != 1 {
		return e.Replyf(ctx, "Usage: `%s%s starting-tickets <amount>`", e.Prefix, e.Command.Name)
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount < 0 {
		return e.Reply(ctx, "The amount must be a whole number of at least 0.")
	}
	return h.updateSettings(ctx, e, func(cfg *config.Guild) {
		cfg.StartingTickets = amount
	}, fmt.Sprintf("New members will start with **%d** tokens.", amount))
}

func (h *Handler) setTierRole(ctx context.Context, e *router.CommandEvent, args []string) error {
	usage := fmt.Sprintf("Usage: `%s%s tier-role <1-%d> <@role|off>`", e.Prefix, e.Command.Name, config.TierCount)
	if len(args) != 2 {
		return e.Reply(ctx, usage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > config.TierCount {
		return e.Reply(ctx, usage)
	}
	var roleID snowflake.ID
	if off := strings.ToLower(args[1]); off != "off" && off != "none" {
		id, ok := parseMention(args[1])
		if !ok {
			return e.Replyf(ctx, "`%s` is not a role.", args[1])
		}
		roleID = id
	}
	tier := config.Tier1 + config.Tier(n-1)
	success := fmt.Sprintf("%s has been cleared.", tier)
	if roleID != 0 {
		success = fmt.Sprintf("%s is now granted by <@&%s>.", tier, roleID)
	}
	return h.updateSettings(ctx, e, func(cfg *config.Guild) {
		cfg.TierRoles[n-1] = roleID
	}, success)
}

func (h *Handler) setBanned(ctx context.Context, e *router.CommandEvent, ban bool, args []string) error {
	if len(args) != 1 {
		return e.Reply(ctx, e.UsageText())
	}
	userID, ok := parseMention(args[0])
	if !ok {
		return e.Replyf(ctx, "`%s` is not a member.", args[0])
	}
	if ban && userID == e.UserID {
		return e.Reply(ctx, "You cannot ban yourself.")
	}
	if ban {
		return h.updateSettings(ctx, e, func(cfg *config.Guild) {
			if !cfg.IsBanned(userID) {
				cfg.Banned = append(cfg.Banned, userID)
			}
		}, fmt.Sprintf("%s can no longer use the bot.", mention(userID)))
	}
	return h.updateSettings(ctx, e, func(cfg *config.Guild) {
		cfg.Banned = slices.DeleteFunc(cfg.Banned, func(id snowflake.ID) bool { return id == userID })
	}, fmt.Sprintf("%s can use the bot again.", mention(userID)))
}

func (h *Handler) updateSettings(ctx context.Context, e *router.CommandEvent, fn func(cfg *config.Guild), success string) error {
	if _, err := h.Bot.DB.UpdateGuildConfig(ctx, e.GuildID, func(cfg *config.Guild) error {
		fn(cfg)
		return nil
	}); err != nil {
		slog.Error("handlers: error while updating guild config", slog.Any("guild.id", e.GuildID), tint.Err(err))
		return e.Reply(ctx, "There was an error while updating the guild configuration.")
	}
	return e.Reply(ctx, success)
}

func roleList(ids []snowflake.ID) string {
	if len(ids) == 0 {
		return "*none*"
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "<@&" + id.String() + ">"
	}
	return strings.Join(out, ", ")
}
