package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is the publish history: every manual post and every relay outcome.
type DB struct {
	sql *sql.DB
}

func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := &DB{sql: sqldb}
	if err := db.migrate(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS posts (
			post_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			method TEXT NOT NULL,
			channel TEXT NOT NULL,
			message_ids TEXT NOT NULL DEFAULT '[]',
			file_count INTEGER NOT NULL,
			key TEXT NOT NULL,
			style TEXT NOT NULL,
			link TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS relay_runs (
			run_id TEXT PRIMARY KEY,
			setup INTEGER NOT NULL,
			source TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_user_created ON posts(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_runs_setup_created ON relay_runs(setup, created_at);`,
	}
	for _, s := range stmts {
		if _, err := d.sql.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

type Post struct {
	ID         string
	UserID     int64
	Method     string
	Channel    string
	MessageIDs []int
	FileCount  int
	Key        string
	Style      string
	Link       string
	Deleted    bool
	CreatedAt  time.Time
}

// RecordPost stores p and returns its generated id.
func (d *DB) RecordPost(ctx context.Context, p Post) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	ids, err := json.Marshal(p.MessageIDs)
	if err != nil {
		return "", err
	}
	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO posts(post_id,user_id,method,channel,message_ids,file_count,key,style,link,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Method, p.Channel, string(ids), p.FileCount, p.Key, p.Style, p.Link, p.CreatedAt.Unix())
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// ReplacePostMessages points an existing post at a new set of channel messages.
func (d *DB) ReplacePostMessages(ctx context.Context, postID string, messageIDs []int, link string) error {
	ids, err := json.Marshal(messageIDs)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `UPDATE posts SET message_ids=?, link=? WHERE post_id=?`, string(ids), link, postID)
	return err
}

func (d *DB) MarkPostDeleted(ctx context.Context, postID string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE posts SET deleted=1 WHERE post_id=?`, postID)
	return err
}

func (d *DB) GetPost(ctx context.Context, postID string) (Post, error) {
	var p Post
	var ids string
	var deleted int
	var created int64
	err := d.sql.QueryRowContext(ctx,
		`SELECT post_id,user_id,method,channel,message_ids,file_count,key,style,link,deleted,created_at FROM posts WHERE post_id=?`, postID).
		Scan(&p.ID, &p.UserID, &p.Method, &p.Channel, &ids, &p.FileCount, &p.Key, &p.Style, &p.Link, &deleted, &created)
	if err != nil {
		return Post{}, err
	}
	_ = json.Unmarshal([]byte(ids), &p.MessageIDs)
	p.Deleted = deleted == 1
	p.CreatedAt = time.Unix(created, 0)
	return p, nil
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeleted   Outcome = "deleted_during_wait"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeSize      Outcome = "size_mismatch"
	OutcomeNoKey     Outcome = "no_key"
	OutcomeFailed    Outcome = "failed"
)

type RelayRun struct {
	ID        string
	Setup     int
	Source    string
	MessageID int
	Outcome   Outcome
	Detail    string
	Key       string
	Link      string
	CreatedAt time.Time
}

func (d *DB) RecordRelay(ctx context.Context, r RelayRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO relay_runs(run_id,setup,source,message_id,outcome,detail,key,link,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Setup, r.Source, r.MessageID, string(r.Outcome), r.Detail, r.Key, r.Link, r.CreatedAt.Unix())
	return err
}

// RecentRelays returns the newest runs of a setup, newest first.
func (d *DB) RecentRelays(ctx context.Context, setup, limit int) ([]RelayRun, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT run_id,setup,source,message_id,outcome,detail,key,link,created_at FROM relay_runs WHERE setup=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		setup, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RelayRun
	for rows.Next() {
		var r RelayRun
		var outcome string
		var created int64
		if err := rows.Scan(&r.ID, &r.Setup, &r.Source, &r.MessageID, &outcome, &r.Detail, &r.Key, &r.Link, &created); err != nil {
			return nil, err
		}
		r.Outcome = Outcome(outcome)
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

type Totals struct {
	Posts        int
	Files        int
	RelaysDone   int
	RelaysFailed int
}

func (d *DB) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(file_count),0) FROM posts WHERE deleted=0`).Scan(&t.Posts, &t.Files); err != nil {
		return Totals{}, err
	}
	err := d.sql.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN outcome=? THEN 1 ELSE 0 END),0), COALESCE(SUM(CASE WHEN outcome<>? THEN 1 ELSE 0 END),0) FROM relay_runs`,
		string(OutcomeCompleted), string(OutcomeCompleted)).Scan(&t.RelaysDone, &t.RelaysFailed)
	if err != nil {
		return Totals{}, err
	}
	return t, nil
}

func (d *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}
