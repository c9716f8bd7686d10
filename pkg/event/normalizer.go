package event

import (
	"fmt"
	"log/slog"
	"raffle-bot/pkg/gateway"
	"slices"
	"time"

	"github.com/disgoorg/disgo/events"
	"github.com/google/uuid"
)

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("raffle-bot/events"))

// Normalizer turns raw gateway payloads into Events. It holds no state, so a single value may be
// shared by any number of goroutines.
type Normalizer struct {
	// Now is used when a payload carries no timestamp.
	Now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Now: time.Now}
}

// Normalize maps raw to an Event. Unknown or malformed payloads are logged and reported with
// false; they never stop the stream.
func (n *Normalizer) Normalize(raw gateway.Raw) (ev Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event: dropping payload that failed to normalize",
				slog.String("payload.type", typeName(raw.Payload)),
				slog.Any("panic", r))
			ev, ok = Event{}, false
		}
	}()
	switch p := raw.Payload.(type) {
	case *events.MessageCreate:
		return n.message(p, raw)
	case *events.GuildMemberJoin:
		return n.memberJoin(p, raw)
	case *events.GuildReady:
		return n.guildReady(p, raw)
	case nil:
		slog.Warn("event: dropping empty payload")
	default:
		slog.Debug("event: dropping unsupported payload", slog.String("payload.type", typeName(p)))
	}
	return Event{}, false
}

func (n *Normalizer) message(p *events.MessageCreate, raw gateway.Raw) (Event, bool) {
	if p == nil || p.GenericMessage == nil || p.MessageID == 0 || p.ChannelID == 0 || p.Message.Author.ID == 0 {
		slog.Warn("event: dropping malformed message payload")
		return Event{}, false
	}
	msg := p.Message
	ev := Event{
		ID:          CorrelationID(TypeMessage, p.MessageID.String()),
		Type:        TypeMessage,
		ChannelID:   p.ChannelID,
		UserID:      msg.Author.ID,
		Username:    msg.Author.Username,
		MessageID:   p.MessageID,
		Content:     msg.Content,
		Permissions: raw.Permissions,
		Bot:         msg.Author.Bot,
		Timestamp:   msg.CreatedAt,
	}
	if p.GuildID != nil {
		ev.GuildID = *p.GuildID
	}
	if msg.Member != nil {
		ev.Roles = slices.Clone(msg.Member.RoleIDs)
		ev.Booster = msg.Member.PremiumSince != nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.timestamp(raw)
	}
	return ev, true
}

func (n *Normalizer) memberJoin(p *events.GuildMemberJoin, raw gateway.Raw) (Event, bool) {
	if p == nil || p.GenericGuildMember == nil || p.GuildID == 0 || p.Member.User.ID == 0 {
		slog.Warn("event: dropping malformed member join payload")
		return Event{}, false
	}
	return Event{
		ID:        uuid.New(),
		Type:      TypeMemberJoin,
		GuildID:   p.GuildID,
		UserID:    p.Member.User.ID,
		Username:  p.Member.User.Username,
		Roles:     slices.Clone(p.Member.RoleIDs),
		Bot:       p.Member.User.Bot,
		Booster:   p.Member.PremiumSince != nil,
		Timestamp: n.timestamp(raw),
	}, true
}

func (n *Normalizer) guildReady(p *events.GuildReady, raw gateway.Raw) (Event, bool) {
	if p == nil || p.GenericGuild == nil || p.GuildID == 0 {
		slog.Warn("event: dropping malformed guild ready payload")
		return Event{}, false
	}
	return Event{
		ID:        uuid.New(),
		Type:      TypeGuildReady,
		GuildID:   p.GuildID,
		Content:   p.Guild.Name,
		Members:   p.Guild.MemberCount,
		Timestamp: n.timestamp(raw),
	}, true
}

func (n *Normalizer) timestamp(raw gateway.Raw) time.Time {
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt
	}
	return n.Now()
}

// CorrelationID derives a stable id from a platform-assigned identifier, so a redelivered
// payload maps to the id of its first delivery.
func CorrelationID(t Type, platformID string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(string(t)+":"+platformID))
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
