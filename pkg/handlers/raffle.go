package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"raffle-bot/pkg/activity"
	"raffle-bot/pkg/db"
	"raffle-bot/pkg/router"
	"slices"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
)

const noRaffleMessage = "There is no raffle running."

func (h *Handler) HandleRaffle(ctx context.Context, e *router.CommandEvent) error {
	sub, args := subcommand(e)
	switch sub {
	case "", "status":
		return h.raffleStatus(ctx, e)
	case "enter", "join":
		return h.HandleEnter(ctx, e)
	}

	if ok, err := h.requireAdmin(ctx, e); !ok {
		return err
	}
	switch sub {
	case "start":
		return h.startRaffle(ctx, e, args)
	case "close":
		return h.closeRaffle(ctx, e)
	case "end":
		return h.endRaffle(ctx, e)
	case "reset":
		return h.resetRaffle(ctx, e)
	}
	return e.Reply(ctx, e.UsageText())
}

func (h *Handler) runningRaffle(e *router.CommandEvent) (*activity.Raffle, bool) {
	r, ok := h.Bot.Activities.Raffle(e.GuildID)
	if !ok || !r.Running() {
		return nil, false
	}
	return r, true
}

func (h *Handler) raffleStatus(ctx context.Context, e *router.CommandEvent) error {
	r, ok := h.runningRaffle(e)
	if !ok {
		return e.Reply(ctx, noRaffleMessage)
	}
	var b strings.Builder
	b.WriteString("**Raffle**")
	if r.Description != "" {
		b.WriteString(": " + r.Description)
	}
	fmt.Fprintf(&b, "\nEntrants: **%d**\nTickets: **%d**\nWinners: **%d**", len(r.Participants()), r.TotalTickets(), r.WinnerSlots)
	if tickets, ok := r.TicketsOf(e.UserID); ok {
		fmt.Fprintf(&b, "\nYou are in with **%d** tickets.", tickets)
	}
	return e.Reply(ctx, b.String())
}

// HandleEnter enters the author with tickets for their past losses and supporter tier.
func (h *Handler) HandleEnter(ctx context.Context, e *router.CommandEvent) error {
	r, ok := h.runningRaffle(e)
	if !ok {
		return e.Reply(ctx, noRaffleMessage)
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
	tickets, err := r.Enter(e.UserID, m.Losses, tier)
	switch {
	case errors.Is(err, activity.ErrAlreadyEntered):
		return e.Reply(ctx, "You have already entered the raffle.")
	case errors.Is(err, activity.ErrEntriesClosed):
		return e.Reply(ctx, "The raffle is no longer accepting entries.")
	case errors.Is(err, activity.ErrNotRunning):
		return e.Reply(ctx, noRaffleMessage)
	case err != nil:
		return err
	}
	return e.Replyf(ctx, "You entered the raffle with **%d** tickets (%s, %d losses).", tickets, tier, m.Losses)
}

func (h *Handler) startRaffle(ctx context.Context, e *router.CommandEvent, args []string) error {
	slots := 1
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			if n < 1 {
				return e.Reply(ctx, "A raffle needs at least one winner.")
			}
			slots = n
			args = args[1:]
		}
	}
	r := activity.NewRaffle(strings.Join(args, " "), slots)
	if err := h.Bot.Activities.StartRaffle(e.GuildID, r); errors.Is(err, activity.ErrAlreadyRunning) {
		return e.Replyf(ctx, "A raffle is already running. End it with `%sraffle end` first.", e.Prefix)
	}
	slog.Info("handlers: raffle started",
		slog.Any("guild.id", e.GuildID),
		slog.String("raffle.id", r.ID.String()),
		slog.Int("raffle.winners", slots))

	title := "A raffle has started!"
	if r.Description != "" {
		title = fmt.Sprintf("A raffle has started: **%s**!", r.Description)
	}
	return h.announce(ctx, e, fmt.Sprintf("%s Type `%senter` to join. **%d** winner(s) will be drawn.", title, e.Prefix, slots))
}

func (h *Handler) closeRaffle(ctx context.Context, e *router.CommandEvent) error {
	r, ok := h.runningRaffle(e)
	if !ok {
		return e.Reply(ctx, noRaffleMessage)
	}
	r.CloseEntries()
	return h.announce(ctx, e, fmt.Sprintf("Raffle entries are closed with **%d** entrants.", len(r.Participants())))
}

// endRaffle draws the winners. Winners start over at zero losses, everyone else gains one.
func (h *Handler) endRaffle(ctx context.Context, e *router.CommandEvent) error {
	r, ok := h.runningRaffle(e)
	if !ok {
		return e.Reply(ctx, noRaffleMessage)
	}
	winners, err := r.End()
	if errors.Is(err, activity.ErrNoEntrants) {
		return h.announce(ctx, e, "The raffle ended without any entrants.")
	}
	if err != nil {
		return e.Reply(ctx, noRaffleMessage)
	}

	for _, userID := range r.Participants() {
		won := slices.Contains(winners, userID)
		if _, err := h.Bot.DB.UpdateMember(ctx, e.GuildID, userID, "", func(m *db.Member) error {
			if won {
				m.Losses = 0
			} else {
				m.Losses++
			}
			return nil
		}); err != nil {
			slog.Error("handlers: error while updating raffle losses",
				slog.Any("guild.id", e.GuildID),
				slog.Any("user.id", userID),
				tint.Err(err))
		}
	}
	slog.Info("handlers: raffle ended",
		slog.Any("guild.id", e.GuildID),
		slog.String("raffle.id", r.ID.String()),
		slog.Int("raffle.entrants", len(r.Participants())))
	return h.announce(ctx, e, fmt.Sprintf("The raffle is over! Congratulations to %s.", mentions(winners)))
}

func (h *Handler) resetRaffle(ctx context.Context, e *router.CommandEvent) error {
	r, ok := h.runningRaffle(e)
	if !ok {
		return e.Reply(ctx, noRaffleMessage)
	}
	if err := r.Reset(); err != nil {
		return e.Reply(ctx, noRaffleMessage)
	}
	return h.announce(ctx, e, "The raffle has been reset. Everyone needs to enter again.")
}
