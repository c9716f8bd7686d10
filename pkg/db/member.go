package db

import (
	"context"
	"errors"
	"raffle-bot/pkg/store"

	"github.com/disgoorg/snowflake/v2"
)

var ErrInsufficientTokens = errors.New("insufficient tokens")

// Member is a user's balance within one guild.
type Member struct {
	Name      string
	DiscordID snowflake.ID
	GuildID   snowflake.ID
	Tokens    int
	Losses    int
}

// MemberKey is the document id of a member: balances are per guild.
func MemberKey(guildID snowflake.ID, userID snowflake.ID) string {
	return guildID.String() + ":" + userID.String()
}

func (m Member) Fields() map[string]any {
	return map[string]any{
		"name":      m.Name,
		"discordId": m.DiscordID.String(),
		"guildId":   m.GuildID.String(),
		"tokens":    m.Tokens,
		"losses":    m.Losses,
	}
}

func memberFromFields(guildID snowflake.ID, userID snowflake.ID, fields map[string]any) Member {
	return Member{
		Name:      store.String(fields, "name"),
		DiscordID: userID,
		GuildID:   guildID,
		Tokens:    store.Int(fields, "tokens"),
		Losses:    store.Int(fields, "losses"),
	}
}

// GetMember returns the member, creating it with the guild's starting tickets on first sight.
func (db *DB) GetMember(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, name string) (Member, error) {
	rec, err := db.store.Get(ctx, UsersCollection, MemberKey(guildID, userID))
	if err == nil {
		return memberFromFields(guildID, userID, rec.Fields), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Member{}, err
	}
	return db.UpdateMember(ctx, guildID, userID, name, func(*Member) error { return nil })
}

// LookupMember returns the stored member, or what a new member would start with. It never writes.
func (db *DB) LookupMember(ctx context.Context, guildID snowflake.ID, userID snowflake.ID) (Member, error) {
	rec, err := db.store.Get(ctx, UsersCollection, MemberKey(guildID, userID))
	if err == nil {
		return memberFromFields(guildID, userID, rec.Fields), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Member{}, err
	}
	cfg, err := db.GetGuildConfig(ctx, guildID)
	if err != nil {
		return Member{}, err
	}
	return Member{DiscordID: userID, GuildID: guildID, Tokens: cfg.StartingTickets}, nil
}

// UpdateMember applies fn to the member under the document lock and stores the result. A missing
// member is created with the guild's starting tickets before fn runs.
func (db *DB) UpdateMember(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, name string, fn func(m *Member) error) (Member, error) {
	var m Member
	err := db.store.Update(ctx, UsersCollection, MemberKey(guildID, userID), func(fields map[string]any) error {
		if len(fields) == 0 {
			cfg, err := db.GetGuildConfig(ctx, guildID)
			if err != nil {
				return err
			}
			m = Member{Name: name, DiscordID: userID, GuildID: guildID, Tokens: cfg.StartingTickets}
		} else {
			m = memberFromFields(guildID, userID, fields)
			if name != "" {
				m.Name = name
			}
		}
		if err := fn(&m); err != nil {
			return err
		}
		clear(fields)
		for k, v := range m.Fields() {
			fields[k] = v
		}
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// Spend removes tokens from the member's balance, failing without a write when the balance is
// too low.
func (db *DB) Spend(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, name string, tokens int) (Member, error) {
	return db.UpdateMember(ctx, guildID, userID, name, func(m *Member) error {
		if tokens > m.Tokens {
			return ErrInsufficientTokens
		}
		m.Tokens -= tokens
		return nil
	})
}

// Credit adds tokens to the member's balance.
func (db *DB) Credit(ctx context.Context, guildID snowflake.ID, userID snowflake.ID, tokens int) (Member, error) {
	return db.UpdateMember(ctx, guildID, userID, "", func(m *Member) error {
		m.Tokens += tokens
		return nil
	})
}
