package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	notifyChannel = "records"

	createTableQuery = `CREATE TABLE IF NOT EXISTS records (
	path TEXT NOT NULL,
	id TEXT NOT NULL,
	fields JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (path, id)
);`
	selectQuery     = "SELECT fields, updated_at FROM records WHERE path = $1 AND id = $2;"
	selectPathQuery = "SELECT id, fields, updated_at FROM records WHERE path = $1;"
	upsertQuery     = "INSERT INTO records (path, id, fields, updated_at) VALUES ($1, $2, $3, clock_timestamp()) ON CONFLICT(path, id) DO UPDATE SET fields=excluded.fields, updated_at=excluded.updated_at RETURNING updated_at;"
	notifyQuery     = "SELECT pg_notify($1, $2);"
	listenQuery     = "LISTEN " + notifyChannel + ";"
	unlistenQuery   = "UNLISTEN *;"
)

// PostgresBackend stores each record as a JSONB row and publishes changes with NOTIFY.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

type notification struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Init creates the records table when it does not exist yet.
func (p *PostgresBackend) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, createTableQuery)
	return err
}

func (p *PostgresBackend) Get(ctx context.Context, path string, id string) (Record, error) {
	rec := Record{Path: path, ID: id}
	err := p.pool.QueryRow(ctx, selectQuery, path, id).Scan(&rec.Fields, &rec.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *PostgresBackend) Put(ctx context.Context, path string, id string, fields map[string]any) (time.Time, error) {
	payload, err := json.Marshal(notification{Path: path, ID: id})
	if err != nil {
		return time.Time{}, err
	}
	var updated time.Time
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertQuery, path, id, fields).Scan(&updated); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, notifyQuery, notifyChannel, string(payload))
		return err
	})
	return updated, err
}

// Watch listens on a dedicated pooled connection. LISTEN is issued before the initial snapshot
// so no change committed in between is missed.
func (p *PostgresBackend) Watch(ctx context.Context, path string, fn func(Change)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		if !conn.Conn().IsClosed() {
			_, _ = conn.Exec(context.Background(), unlistenQuery)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, listenQuery); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	rows, _ := p.pool.Query(ctx, selectPathQuery, path)
	snapshot, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		rec := Record{Path: path}
		err := row.Scan(&rec.ID, &rec.Fields, &rec.UpdateTime)
		return rec, err
	})
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for _, rec := range snapshot {
		fn(Change{Kind: ChangeAdded, Record: rec})
	}
	seen := make(map[string]struct{}, len(snapshot))
	for _, rec := range snapshot {
		seen[rec.ID] = struct{}{}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil || msg.Path != path {
			continue
		}
		rec, err := p.Get(ctx, msg.Path, msg.ID)
		if errors.Is(err, ErrNotFound) {
			delete(seen, msg.ID)
			fn(Change{Kind: ChangeRemoved, Record: Record{Path: msg.Path, ID: msg.ID}})
			continue
		}
		if err != nil {
			return err
		}
		kind := ChangeModified
		if _, ok := seen[msg.ID]; !ok {
			kind = ChangeAdded
			seen[msg.ID] = struct{}{}
		}
		fn(Change{Kind: kind, Record: rec})
	}
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
