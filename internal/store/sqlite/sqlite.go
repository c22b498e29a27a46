// Package sqlite stores campaigns in a single SQLite file through the pure-Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

//go:embed schema.sql
var schema string

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return store.Wrap("migrate", err)
}

const columns = `id, account_id, template, recipients, status, success_count, failed_count,
	total_recipients, COALESCE(last_error,''), created_at, started_at, completed_at`

func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	tmpl, recips, err := encode(c)
	if err != nil {
		return store.Wrap("create", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, account_id, template, recipients, status, success_count, failed_count,
			total_recipients, last_error, created_at, started_at, completed_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, c.ID, c.AccountID, tmpl, recips, string(c.Status), c.SuccessCount, c.FailedCount,
		c.TotalRecipients, nullStr(c.LastError), ts(c.CreatedAt), tsPtr(c.StartedAt), tsPtr(c.CompletedAt), ts(time.Now()))
	return store.Wrap("create", err)
}

func (s *Store) Load(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("load", err)
	}
	return c, nil
}

func (s *Store) Save(ctx context.Context, c *domain.Campaign) error {
	tmpl, recips, err := encode(c)
	if err != nil {
		return store.Wrap("save", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET template=?, recipients=?, status=?, success_count=?, failed_count=?,
		    last_error=?, started_at=?, completed_at=?, updated_at=?
		WHERE id=?
	`, tmpl, recips, string(c.Status), c.SuccessCount, c.FailedCount,
		nullStr(c.LastError), tsPtr(c.StartedAt), tsPtr(c.CompletedAt), ts(time.Now()), c.ID)
	return affected("save", res, err)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error {
	from := domain.AllowedFrom(status)
	if len(from) == 0 {
		return domain.ErrInvalidTransition
	}
	args := []any{string(status), nullStr(lastError)}
	now := ts(time.Now())
	completed := any(nil)
	if status.Terminal() {
		completed = now
	}
	args = append(args, completed, now, id)
	marks := make([]string, len(from))
	for i, st := range from {
		marks[i] = "?"
		args = append(args, string(st))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("update_status", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status=?, last_error=?, completed_at=COALESCE(completed_at, ?), updated_at=?
		WHERE id=? AND status IN (`+strings.Join(marks, ",")+`)
	`, args...)
	if err != nil {
		return store.Wrap("update_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM campaigns WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return store.Wrap("update_status", err)
		}
		return domain.ErrInvalidTransition
	}
	return store.Wrap("update_status", tx.Commit())
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	return affected("delete", res, err)
}

func (s *Store) List(ctx context.Context, accountID string, limit int) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM campaigns
		WHERE (? = '' OR account_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, accountID, accountID, store.ClampLimit(limit))
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, store.Wrap("list", err)
		}
		out = append(out, c)
	}
	return out, store.Wrap("list", rows.Err())
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	var (
		c                  domain.Campaign
		status             string
		tmplJSON, rcpJSON  string
		created            string
		started, completed sql.NullString
	)
	err := row.Scan(&c.ID, &c.AccountID, &tmplJSON, &rcpJSON, &status, &c.SuccessCount, &c.FailedCount,
		&c.TotalRecipients, &c.LastError, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CampaignStatus(status)
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if c.StartedAt, err = parsePtr(started); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parsePtr(completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tmplJSON), &c.Template); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rcpJSON), &c.Recipients); err != nil {
		return nil, err
	}
	return &c, nil
}

func affected(op string, res sql.Result, err error) error {
	if err != nil {
		return store.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap(op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func encode(c *domain.Campaign) (tmpl, recipients string, err error) {
	t, err := json.Marshal(c.Template)
	if err != nil {
		return "", "", err
	}
	r, err := json.Marshal(c.Recipients)
	if err != nil {
		return "", "", err
	}
	return string(t), string(r), nil
}

// timestamps are stored as fixed-width UTC text so they sort lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parsePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
