package db

import (
	"context"
	"errors"
	"log/slog"
	"raffle-bot/pkg/config"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/router"
	"raffle-bot/pkg/store"
	"sync"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/lmittmann/tint"
)

const (
	GuildsCollection = "guilds"
	UsersCollection  = "users"
)

// DB is the guild and member repository. Guild settings are cached in memory and kept fresh by
// a watch on the guilds collection, so prefix and permission lookups rarely hit the store.
type DB struct {
	store         *store.Adapter
	defaultPrefix string

	mu     sync.RWMutex
	guilds map[snowflake.ID]config.Guild
}

func NewDB(adapter *store.Adapter, defaultPrefix string) *DB {
	return &DB{
		store:         adapter,
		defaultPrefix: defaultPrefix,
		guilds:        make(map[snowflake.ID]config.Guild),
	}
}

// Start watches the guilds collection until ctx is cancelled.
func (db *DB) Start(ctx context.Context) error {
	changes := db.store.Watch(ctx, GuildsCollection)
	go func() {
		for change := range changes {
			db.apply(change)
		}
	}()
	return nil
}

func (db *DB) apply(change store.Change) {
	guildID, err := snowflake.Parse(change.Record.ID)
	if err != nil {
		slog.Warn("db: ignoring guild document with invalid id", slog.String("document.id", change.Record.ID))
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if change.Kind == store.ChangeRemoved {
		delete(db.guilds, guildID)
		return
	}
	db.guilds[guildID] = config.GuildFromFields(guildID, change.Record.Fields, db.defaultPrefix)
}

func (db *DB) cached(guildID snowflake.ID) (config.Guild, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cfg, ok := db.guilds[guildID]
	return cfg, ok
}

func (db *DB) remember(cfg config.Guild) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.guilds[cfg.GuildID] = cfg
}

// GetGuildConfig returns the guild settings, or the defaults when the guild has none stored.
func (db *DB) GetGuildConfig(ctx context.Context, guildID snowflake.ID) (config.Guild, error) {
	if cfg, ok := db.cached(guildID); ok {
		return cfg, nil
	}
	rec, err := db.store.Get(ctx, GuildsCollection, guildID.String())
	if errors.Is(err, store.ErrNotFound) {
		return config.NewGuild(guildID, "", db.defaultPrefix), nil
	}
	if err != nil {
		return config.Guild{}, err
	}
	cfg := config.GuildFromFields(guildID, rec.Fields, db.defaultPrefix)
	db.remember(cfg)
	return cfg, nil
}

// UpdateGuildConfig applies fn to the stored settings and writes them back. Returning an error
// from fn leaves the settings untouched.
func (db *DB) UpdateGuildConfig(ctx context.Context, guildID snowflake.ID, fn func(cfg *config.Guild) error) (config.Guild, error) {
	var cfg config.Guild
	err := db.store.Update(ctx, GuildsCollection, guildID.String(), func(fields map[string]any) error {
		cfg = config.GuildFromFields(guildID, fields, db.defaultPrefix)
		if err := fn(&cfg); err != nil {
			return err
		}
		clear(fields)
		for k, v := range cfg.Fields() {
			fields[k] = v
		}
		return nil
	})
	if err != nil {
		return config.Guild{}, err
	}
	db.remember(cfg)
	return cfg, nil
}

// Prefix resolves the command prefix of a guild for the router.
func (db *DB) Prefix(ctx context.Context, guildID snowflake.ID) string {
	if guildID == 0 {
		return db.defaultPrefix
	}
	cfg, err := db.GetGuildConfig(ctx, guildID)
	if err != nil {
		slog.Warn("db: error while getting guild prefix", slog.Any("guild.id", guildID), tint.Err(err))
		return db.defaultPrefix
	}
	return cfg.Prefix
}

// IsAdmin reports whether the author may manage the bot in their guild: administrators and
// holders of one of the guild's admin roles.
func (db *DB) IsAdmin(ctx context.Context, ev event.Event) bool {
	if ev.Permissions.Has(discord.PermissionAdministrator) {
		return true
	}
	if ev.GuildID == 0 {
		return false
	}
	cfg, err := db.GetGuildConfig(ctx, ev.GuildID)
	if err != nil {
		slog.Warn("db: error while getting admin roles", slog.Any("guild.id", ev.GuildID), tint.Err(err))
		return false
	}
	for _, role := range ev.Roles {
		if cfg.IsAdminRole(role) {
			return true
		}
	}
	return false
}

// Authorize is the router authorizer: bot admins pass every check, everyone else needs the
// command's permission bits. Banned members are refused everything.
func (db *DB) Authorize(ctx context.Context, ev event.Event, def *router.Definition) bool {
	if ev.GuildID != 0 {
		if cfg, err := db.GetGuildConfig(ctx, ev.GuildID); err == nil && cfg.IsBanned(ev.UserID) {
			return false
		}
	}
	if def.Permissions == 0 || db.IsAdmin(ctx, ev) {
		return true
	}
	return ev.Permissions.Has(def.Permissions)
}

// OnEvent registers guilds when they become available and members when they join.
func (db *DB) OnEvent(ctx context.Context, ev event.Event) {
	switch ev.Type {
	case event.TypeGuildReady:
		if _, err := db.UpdateGuildConfig(ctx, ev.GuildID, func(cfg *config.Guild) error {
			if ev.Content != "" {
				cfg.GuildName = ev.Content
			}
			if ev.Members > 0 {
				cfg.Members = ev.Members
			}
			return nil
		}); err != nil {
			slog.Error("db: error while registering guild", slog.Any("guild.id", ev.GuildID), tint.Err(err))
		}
	case event.TypeMemberJoin:
		if ev.Bot {
			return
		}
		if _, err := db.GetMember(ctx, ev.GuildID, ev.UserID, ev.Username); err != nil {
			slog.Error("db: error while registering member",
				slog.Any("guild.id", ev.GuildID),
				slog.Any("user.id", ev.UserID),
				tint.Err(err))
		}
	}
}
