package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// SQLiteStore implements LinkStore on a single SQLite file
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema.
func NewSQLiteStore(ctx context.Context, path string, logger *logrus.Entry) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory %s: %v", utils.ErrDatabase, dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", utils.ErrDatabase, path, err)
	}
	// One connection: every statement runs sequentially on the same handle
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", utils.ErrDatabase, pragma, err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate %s: %v", utils.ErrDatabase, path, err)
	}

	logger.WithField("path", path).Info("Link database opened (sqlite)")
	return &SQLiteStore{db: db, path: path, log: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS links (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			link          TEXT NOT NULL UNIQUE,
			source_url    TEXT NOT NULL,
			keyword       TEXT NOT NULL,
			discovered_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_links_keyword ON links(keyword);
		CREATE TABLE IF NOT EXISTS processed_urls (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			source_url   TEXT NOT NULL UNIQUE,
			processed_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS url_queue (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			url      TEXT NOT NULL UNIQUE,
			added_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", utils.ErrDatabase, op, err)
}

// AddLink implements LinkWriter
func (s *SQLiteStore) AddLink(ctx context.Context, rec models.LinkRecord) (bool, error) {
	if rec.DiscoveredAt.IsZero() {
		rec.DiscoveredAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO links (link, source_url, keyword, discovered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(link) DO NOTHING`,
		rec.Link, rec.SourceURL, rec.Keyword, formatTime(rec.DiscoveredAt),
	)
	if err != nil {
		return false, dbErr("insert link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("insert link rows affected", err)
	}
	return n > 0, nil
}

// HasLink implements LinkReader
func (s *SQLiteStore) HasLink(ctx context.Context, link string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM links WHERE link = ? LIMIT 1", link)
}

// CountLinks implements LinkReader
func (s *SQLiteStore) CountLinks(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM links")
}

// ListLinks implements LinkReader
func (s *SQLiteStore) ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.LinkRecord, error) {
	query := "SELECT id, link, source_url, keyword, discovered_at FROM links WHERE 1=1"
	var args []any
	if filter.Keyword != "" {
		query += " AND keyword = ?"
		args = append(args, filter.Keyword)
	}
	if filter.Contains != "" {
		query += " AND (instr(link, ?) > 0 OR instr(source_url, ?) > 0)"
		args = append(args, filter.Contains, filter.Contains)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, effectiveLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list links", err)
	}
	defer rows.Close()

	records := []models.LinkRecord{}
	for rows.Next() {
		var rec models.LinkRecord
		var ts dbTime
		if err := rows.Scan(&rec.ID, &rec.Link, &rec.SourceURL, &rec.Keyword, &ts); err != nil {
			return nil, dbErr("scan link", err)
		}
		rec.DiscoveredAt = ts.Time
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate links", err)
	}
	return records, nil
}

// CountByKeyword implements LinkReader
func (s *SQLiteStore) CountByKeyword(ctx context.Context) ([]models.KeywordCount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT keyword, COUNT(*) AS n FROM links GROUP BY keyword ORDER BY n DESC, keyword ASC")
	if err != nil {
		return nil, dbErr("count by keyword", err)
	}
	defer rows.Close()

	counts := []models.KeywordCount{}
	for rows.Next() {
		var kc models.KeywordCount
		if err := rows.Scan(&kc.Keyword, &kc.Count); err != nil {
			return nil, dbErr("scan keyword count", err)
		}
		counts = append(counts, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate keyword counts", err)
	}
	return counts, nil
}

// MarkURLProcessed implements PageTracker
func (s *SQLiteStore) MarkURLProcessed(ctx context.Context, pageURL string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_urls (source_url, processed_at) VALUES (?, ?) ON CONFLICT(source_url) DO NOTHING",
		pageURL, formatTime(time.Now()),
	)
	if err != nil {
		return dbErr("mark processed", err)
	}
	return nil
}

// IsURLProcessed implements PageTracker
func (s *SQLiteStore) IsURLProcessed(ctx context.Context, pageURL string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM processed_urls WHERE source_url = ? LIMIT 1", pageURL)
}

// EnqueueURLs implements URLQueue
func (s *SQLiteStore) EnqueueURLs(ctx context.Context, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr("begin enqueue", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO url_queue (url, added_at)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM processed_urls WHERE source_url = ?)
		ON CONFLICT(url) DO NOTHING`)
	if err != nil {
		return 0, dbErr("prepare enqueue", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	added := 0
	for _, u := range urls {
		res, err := stmt.ExecContext(ctx, u, now, u)
		if err != nil {
			return 0, dbErr("enqueue url", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr("commit enqueue", err)
	}
	return added, nil
}

// DequeueURLs implements URLQueue
func (s *SQLiteStore) DequeueURLs(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr("begin dequeue", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, url FROM url_queue ORDER BY id ASC LIMIT ?", n)
	if err != nil {
		return nil, dbErr("select queue", err)
	}
	var ids []int64
	urls := []string{}
	for rows.Next() {
		var id int64
		var u string
		if err := rows.Scan(&id, &u); err != nil {
			rows.Close()
			return nil, dbErr("scan queue", err)
		}
		ids = append(ids, id)
		urls = append(urls, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate queue", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM url_queue WHERE id = ?", id); err != nil {
			return nil, dbErr("delete queued url", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, dbErr("commit dequeue", err)
	}
	return urls, nil
}

// QueueLength implements URLQueue
func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM url_queue")
}

// Close implements LinkStore
func (s *SQLiteStore) Close() error {
	s.log.Info("Closing link database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing link database: %v", err)
		return err
	}
	s.log.Info("Link database closed.")
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dbErr("lookup", err)
	}
	return true, nil
}

func (s *SQLiteStore) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, dbErr("count", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// dbTime scans a TIMESTAMP column whether the driver hands back a time.Time,
// text or a unix epoch.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		t.Time = time.Unix(v, 0).UTC()
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
