package config

import (
	"raffle-bot/pkg/store"
	"slices"

	"github.com/disgoorg/snowflake/v2"
)

const (
	DefaultStartingTickets = 100
	// TierCount is the number of configurable supporter tiers.
	TierCount = 3
)

// Guild holds the per-guild settings document.
type Guild struct {
	GuildID         snowflake.ID
	GuildName       string
	Prefix          string
	AdminRoles      []snowflake.ID
	ActivityChannel snowflake.ID
	StartingTickets int
	Members         int
	Banned          []snowflake.ID
	// TierRoles maps supporter tiers 1-3 to role ids; zero means unset.
	TierRoles [TierCount]snowflake.ID
}

// NewGuild returns the settings a guild starts with.
func NewGuild(guildID snowflake.ID, name string, prefix string) Guild {
	return Guild{
		GuildID:         guildID,
		GuildName:       name,
		Prefix:          prefix,
		StartingTickets: DefaultStartingTickets,
	}
}

func (g Guild) IsAdminRole(roleID snowflake.ID) bool {
	return slices.Contains(g.AdminRoles, roleID)
}

func (g Guild) IsBanned(userID snowflake.ID) bool {
	return slices.Contains(g.Banned, userID)
}

// Tier resolves the bonus tier of a member from their roles and boost status. The highest
// matching tier wins.
func (g Guild) Tier(roles []snowflake.ID, booster bool) Tier {
	for i := TierCount - 1; i >= 0; i-- {
		if g.TierRoles[i] != 0 && slices.Contains(roles, g.TierRoles[i]) {
			return Tier1 + Tier(i)
		}
	}
	if booster {
		return TierBooster
	}
	return TierNone
}

type Tier int

const (
	TierNone Tier = iota
	TierBooster
	Tier1
	Tier2
	Tier3
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "No bonus"
	case TierBooster:
		return "Server booster"
	case Tier1:
		return "Tier 1 supporter"
	case Tier2:
		return "Tier 2 supporter"
	case Tier3:
		return "Tier 3 supporter"
	}
	return "Unknown"
}

// Bonus is the number of extra raffle tickets the tier grants.
func (t Tier) Bonus() int {
	switch t {
	case TierBooster:
		return 25
	case Tier1:
		return 50
	case Tier2:
		return 100
	case Tier3:
		return 150
	}
	return 0
}

// Fields encodes the settings as a store document. Ids are stored as strings so they survive
// JSON and Firestore number precision.
func (g Guild) Fields() map[string]any {
	tierRoles := make([]any, TierCount)
	for i, id := range g.TierRoles {
		tierRoles[i] = idString(id)
	}
	return map[string]any{
		"guildId":         g.GuildID.String(),
		"guildName":       g.GuildName,
		"botPrefix":       g.Prefix,
		"adminRoles":      idStrings(g.AdminRoles),
		"activityChannel": idString(g.ActivityChannel),
		"startingTickets": g.StartingTickets,
		"members":         g.Members,
		"banned":          idStrings(g.Banned),
		"tierRoles":       tierRoles,
	}
}

// GuildFromFields decodes a settings document, falling back to defaults for missing fields.
func GuildFromFields(guildID snowflake.ID, fields map[string]any, defaultPrefix string) Guild {
	g := NewGuild(guildID, store.String(fields, "guildName"), defaultPrefix)
	if prefix := store.String(fields, "botPrefix"); prefix != "" {
		g.Prefix = prefix
	}
	if _, ok := fields["startingTickets"]; ok {
		g.StartingTickets = store.Int(fields, "startingTickets")
	}
	g.Members = store.Int(fields, "members")
	g.AdminRoles = parseIDs(store.Strings(fields, "adminRoles"))
	g.Banned = parseIDs(store.Strings(fields, "banned"))
	g.ActivityChannel = parseID(store.String(fields, "activityChannel"))
	for i, s := range store.Strings(fields, "tierRoles") {
		if i >= TierCount {
			break
		}
		g.TierRoles[i] = parseID(s)
	}
	return g
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}

func idStrings(ids []snowflake.ID) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func parseID(s string) snowflake.ID {
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0
	}
	return id
}

func parseIDs(values []string) []snowflake.ID {
	var ids []snowflake.ID
	for _, s := range values {
		if id := parseID(s); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
