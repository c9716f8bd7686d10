package handlers

import (
	"context"
	"raffle-bot/pkg/activity"
	"raffle-bot/pkg/router"
)

func (h *Handler) HandleBalance(ctx context.Context, e *router.CommandEvent) error {
	if len(e.Args) > 0 {
		userID, ok := parseMention(e.Arg(0))
		if !ok {
			return e.Reply(ctx, e.UsageText())
		}
		if userID != e.UserID {
			m, err := h.Bot.DB.LookupMember(ctx, e.GuildID, userID)
			if err != nil {
				return err
			}
			return e.Replyf(ctx, "%s has **%d** tokens and **%d** raffle losses.", mention(userID), m.Tokens, m.Losses)
		}
	}

	m, err := h.Bot.DB.GetMember(ctx, e.GuildID, e.UserID, e.Username)
	if err != nil {
		return err
	}
	cfg, err := h.Bot.DB.GetGuildConfig(ctx, e.GuildID)
	if err != nil {
		return err
	}
	tier := cfg.Tier(e.Roles, e.Booster)
	return e.Replyf(ctx, "You have **%d** tokens and **%d** raffle losses. Your next raffle entry is worth **%d** tickets (%s).",
		m.Tokens, m.Losses, activity.Tickets(m.Losses, tier), tier)
}
