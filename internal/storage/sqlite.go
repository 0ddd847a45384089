package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, chat transport.ChatID) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(chat_id, active, created_at, updated_at) VALUES(?,1,?,?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		int64(chat), now, now,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE recipients SET active=1, updated_at=? WHERE chat_id=? AND active=0`, now, int64(chat))
	return false, err
}

func (s *sqliteStore) Reactivate(ctx context.Context, chat transport.ChatID) (bool, error) {
	return s.setActive(ctx, chat, true)
}

func (s *sqliteStore) MarkInactive(ctx context.Context, chat transport.ChatID) error {
	_, err := s.setActive(ctx, chat, false)
	return err
}

func (s *sqliteStore) setActive(ctx context.Context, chat transport.ChatID, active bool) (bool, error) {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET active=?, updated_at=? WHERE chat_id=? AND active<>?`,
		v, time.Now().UTC().Format(time.RFC3339Nano), int64(chat), v,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ActiveRecipients(ctx context.Context) ([]transport.ChatID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM recipients WHERE active=1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transport.ChatID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, transport.ChatID(id))
	}
	return out, rows.Err()
}

func (s *sqliteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active),0), (SELECT COUNT(*) FROM items) FROM recipients`,
	).Scan(&c.Total, &c.Active, &c.Items)
	return c, err
}

func (s *sqliteStore) SaveItems(ctx context.Context, items []Item) ([]Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var fresh []Item
	for _, it := range dedupeInput(items) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO items(title, description, thumbnail, page, original_price, start_date, end_date)
			 VALUES(?,?,?,?,?,?,?) ON CONFLICT(title, description) DO NOTHING`,
			it.Title, it.Description, it.Thumbnail, it.Page, it.OriginalPrice,
			it.StartDate.UnixMilli(), it.EndDate.UnixMilli(),
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			fresh = append(fresh, it)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *sqliteStore) CurrentItems(ctx context.Context, now time.Time) ([]Item, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, description, thumbnail, page, original_price, start_date, end_date
		 FROM items WHERE start_date <= ? AND end_date >= ? ORDER BY id`, ms, ms)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		var start, end int64
		if err := rows.Scan(&it.Title, &it.Description, &it.Thumbnail, &it.Page, &it.OriginalPrice, &start, &end); err != nil {
			return nil, err
		}
		it.StartDate = time.UnixMilli(start).UTC()
		it.EndDate = time.UnixMilli(end).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, chat_id, action, outcome, err, ref) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), int64(e.ChatID), e.Action,
		nullStr(e.Outcome), nullStr(e.Error), nullStr(e.Ref),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
