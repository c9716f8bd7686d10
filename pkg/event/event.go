package event

import (
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

type Type string

const (
	TypeMessage    Type = "message"
	TypeMemberJoin Type = "member_join"
	TypeGuildReady Type = "guild_ready"
)

// Event is the normalized form of an inbound platform occurrence. Values are never mutated
// after the Normalizer builds them; slices are owned by the event.
type Event struct {
	ID        uuid.UUID
	Type      Type
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	UserID    snowflake.ID
	Username  string
	MessageID snowflake.ID
	// Content is the message text for message events and the guild name for guild_ready.
	Content     string
	Roles       []snowflake.ID
	Permissions discord.Permissions
	Bot         bool
	// Booster is set when the author currently boosts the guild.
	Booster bool
	// Members is the guild member count reported with guild_ready.
	Members   int
	Timestamp time.Time
}

// HasRole reports whether the author holds the role.
func (e Event) HasRole(id snowflake.ID) bool {
	for _, role := range e.Roles {
		if role == id {
			return true
		}
	}
	return false
}

// Lane is the ordering key: events sharing a lane are handled one at a time, in arrival order.
func (e Event) Lane() snowflake.ID {
	if e.ChannelID != 0 {
		return e.ChannelID
	}
	return e.GuildID
}
