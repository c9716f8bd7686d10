package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"raffle-bot/pkg/activity"
	"raffle-bot/pkg/db"
	"raffle-bot/pkg/router"
	"strconv"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
)

const noPredictionMessage = "There is no prediction running."

func (h *Handler) HandlePrediction(ctx context.Context, e *router.CommandEvent) error {
	sub, args := subcommand(e)
	switch sub {
	case "", "status":
		return h.predictionStatus(ctx, e)
	case "bet":
		return h.bet(ctx, e, args)
	}

	if ok, err := h.requireAdmin(ctx, e); !ok {
		return err
	}
	switch sub {
	case "start":
		return h.startPrediction(ctx, e, args)
	case "end":
		return h.endPrediction(ctx, e, args)
	case "reset":
		return h.resetPrediction(ctx, e)
	case "cancel":
		return h.cancelPrediction(ctx, e)
	}
	return e.Reply(ctx, e.UsageText())
}

func (h *Handler) HandleBet(ctx context.Context, e *router.CommandEvent) error {
	return h.bet(ctx, e, e.Args)
}

func (h *Handler) runningPrediction(e *router.CommandEvent) (*activity.Prediction, bool) {
	p, ok := h.Bot.Activities.Prediction(e.GuildID)
	if !ok || !p.Running() {
		return nil, false
	}
	return p, true
}

func (h *Handler) predictionStatus(ctx context.Context, e *router.CommandEvent) error {
	p, ok := h.runningPrediction(e)
	if !ok {
		return e.Reply(ctx, noPredictionMessage)
	}
	totals := p.Totals()
	var b strings.Builder
	fmt.Fprintf(&b, "**Prediction** with **%d** participants and **%d** tokens in the pool\n", p.Participants(), p.Total())
	for _, option := range p.Options {
		fmt.Fprintf(&b, "%s: **%d** tokens\n", option, totals[option])
	}
	if bet, pick := p.BetOf(e.UserID); bet > 0 {
		fmt.Fprintf(&b, "You bet **%d** tokens on **%s**.", bet, pick)
	}
	return e.Reply(ctx, strings.TrimSuffix(b.String(), "\n"))
}

// bet debits the member, then stakes the tokens. A stake the prediction rejects is credited back,
// so a settled pool never holds tokens that were not taken.
func (h *Handler) bet(ctx context.Context, e *router.CommandEvent, args []string) error {
	if len(args) < 2 {
		return e.Replyf(ctx, "Usage: `%sbet <tokens> <option>`", e.Prefix)
	}
	tokens, err := strconv.Atoi(args[0])
	if err != nil {
		return e.Reply(ctx, "The bet must be a whole number of tokens.")
	}
	option := strings.Join(args[1:], " ")

	p, ok := h.runningPrediction(e)
	if !ok {
		return e.Reply(ctx, noPredictionMessage)
	}
	if tokens <= 0 {
		return e.Reply(ctx, "The bet must be greater than zero.")
	}
	if _, ok := p.Option(option); !ok {
		return e.Replyf(ctx, "Unknown option. Pick one of: %s.", strings.Join(p.Options, ", "))
	}

	m, err := h.Bot.DB.Spend(ctx, e.GuildID, e.UserID, e.Username, tokens)
	if errors.Is(err, db.ErrInsufficientTokens) {
		current, err := h.Bot.DB.LookupMember(ctx, e.GuildID, e.UserID)
		if err != nil {
			return err
		}
		return e.Replyf(ctx, "You only have **%d** tokens.", current.Tokens)
	}
	if err != nil {
		return err
	}

	total, err := p.Bet(e.UserID, m.Tokens+tokens, tokens, option)
	if err != nil {
		if _, creditErr := h.Bot.DB.Credit(ctx, e.GuildID, e.UserID, tokens); creditErr != nil {
			slog.Error("handlers: error while returning a rejected bet",
				slog.Any("guild.id", e.GuildID),
				slog.Any("user.id", e.UserID),
				slog.Int("amount", tokens),
				tint.Err(creditErr))
			return errors.Join(err, creditErr)
		}
	}
	switch {
	case errors.Is(err, activity.ErrOptionLocked):
		_, pick := p.BetOf(e.UserID)
		return e.Replyf(ctx, "You already bet on **%s** and cannot switch options.", pick)
	case errors.Is(err, activity.ErrNotRunning):
		return e.Reply(ctx, noPredictionMessage)
	case err != nil:
		return err
	}
	_, pick := p.BetOf(e.UserID)
	return e.Replyf(ctx, "You bet **%d** tokens on **%s** (**%d** in total). You have **%d** tokens left.", tokens, pick, total, m.Tokens)
}

func (h *Handler) startPrediction(ctx context.Context, e *router.CommandEvent, args []string) error {
	p, err := activity.NewPrediction(args...)
	if errors.Is(err, activity.ErrTooFewOptions) {
		return e.Replyf(ctx, "Usage: `%sprediction start <option> <option> ...`. Quote options that contain spaces.", e.Prefix)
	}
	if err != nil {
		return err
	}
	if err := h.Bot.Activities.StartPrediction(e.GuildID, p); errors.Is(err, activity.ErrAlreadyRunning) {
		return e.Replyf(ctx, "A prediction is already running. End it with `%sprediction end <option>` first.", e.Prefix)
	}
	slog.Info("handlers: prediction started",
		slog.Any("guild.id", e.GuildID),
		slog.String("prediction.id", p.ID.String()),
		slog.Any("prediction.options", p.Options))
	return h.announce(ctx, e, fmt.Sprintf("A prediction has started! Options: **%s**. Bet with `%sbet <tokens> <option>`.",
		strings.Join(p.Options, "**, **"), e.Prefix))
}

func (h *Handler) endPrediction(ctx context.Context, e *router.CommandEvent, args []string) error {
	p, ok := h.runningPrediction(e)
	if !ok {
		return e.Reply(ctx, noPredictionMessage)
	}
	if len(args) == 0 {
		return e.Replyf(ctx, "Usage: `%sprediction end <option>`", e.Prefix)
	}
	winning := strings.Join(args, " ")
	pool := p.Total()
	payouts, err := p.End(winning)
	switch {
	case errors.Is(err, activity.ErrUnknownOption):
		return e.Replyf(ctx, "Unknown option. Pick one of: %s.", strings.Join(p.Options, ", "))
	case errors.Is(err, activity.ErrNoWinningBets):
		return e.Replyf(ctx, "Nobody bet on **%s**. The prediction stays open; cancel it to refund everyone.", winning)
	case errors.Is(err, activity.ErrNotRunning):
		return e.Reply(ctx, noPredictionMessage)
	case err != nil:
		return err
	}
	canonical, _ := p.Option(winning)

	winners := make([]snowflake.ID, 0, len(payouts))
	for userID, amount := range payouts {
		if _, err := h.Bot.DB.Credit(ctx, e.GuildID, userID, amount); err != nil {
			slog.Error("handlers: error while paying out prediction",
				slog.Any("guild.id", e.GuildID),
				slog.Any("user.id", userID),
				slog.Int("amount", amount),
				tint.Err(err))
			continue
		}
		winners = append(winners, userID)
	}
	slog.Info("handlers: prediction ended",
		slog.Any("guild.id", e.GuildID),
		slog.String("prediction.id", p.ID.String()),
		slog.String("prediction.winner", canonical),
		slog.Int("prediction.pool", pool))
	return h.announce(ctx, e, fmt.Sprintf("**%s** won the prediction! **%d** tokens were paid out to %s.", canonical, pool, mentions(winners)))
}

func (h *Handler) resetPrediction(ctx context.Context, e *router.CommandEvent) error {
	p, ok := h.runningPrediction(e)
	if !ok {
		return e.Reply(ctx, noPredictionMessage)
	}
	refunds, err := p.Reset()
	if err != nil {
		return e.Reply(ctx, noPredictionMessage)
	}
	if err := h.refund(ctx, e.GuildID, refunds); err != nil {
		return err
	}
	return h.announce(ctx, e, "The prediction has been reset and every bet was refunded.")
}

func (h *Handler) cancelPrediction(ctx context.Context, e *router.CommandEvent) error {
	p, ok := h.runningPrediction(e)
	if !ok {
		return e.Reply(ctx, noPredictionMessage)
	}
	if err := h.refund(ctx, e.GuildID, p.Cancel()); err != nil {
		return err
	}
	return h.announce(ctx, e, "The prediction has been cancelled and every bet was refunded.")
}

func (h *Handler) refund(ctx context.Context, guildID snowflake.ID, refunds map[snowflake.ID]int) error {
	var errs []error
	for userID, amount := range refunds {
		if _, err := h.Bot.DB.Credit(ctx, guildID, userID, amount); err != nil {
			errs = append(errs, fmt.Errorf("refund %d tokens to %s: %w", amount, userID, err))
		}
	}
	return errors.Join(errs...)
}

// Drain cancels every open prediction and refunds its bets.
func (h *Handler) Drain(ctx context.Context) error {
	var errs []error
	for guildID, p := range h.Bot.Activities.RunningPredictions() {
		refunds := p.Cancel()
		if err := h.refund(ctx, guildID, refunds); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("handlers: refunded open prediction", slog.Any("guild.id", guildID), slog.Int("count", len(refunds)))
	}
	return errors.Join(errs...)
}
