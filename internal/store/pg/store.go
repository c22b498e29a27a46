package pg

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return store.Wrap("migrate", err)
}

const columns = `id, account_id, template, recipients, status, success_count, failed_count,
	total_recipients, COALESCE(last_error,''), created_at, started_at, completed_at`

func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	tmpl, recips, err := encode(c)
	if err != nil {
		return store.Wrap("create", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, account_id, template, recipients, status, success_count, failed_count,
			total_recipients, last_error, created_at, started_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
	`, c.ID, c.AccountID, tmpl, recips, string(c.Status), c.SuccessCount, c.FailedCount,
		c.TotalRecipients, nullIfEmpty(c.LastError), c.CreatedAt, c.StartedAt, c.CompletedAt)
	return store.Wrap("create", err)
}

func (s *Store) Load(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+columns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET template=$2, recipients=$3, status=$4, success_count=$5, failed_count=$6,
		    last_error=$7, started_at=$8, completed_at=$9, updated_at=now()
		WHERE id=$1
	`, c.ID, tmpl, recips, string(c.Status), c.SuccessCount, c.FailedCount,
		nullIfEmpty(c.LastError), c.StartedAt, c.CompletedAt)
	if err != nil {
		return store.Wrap("save", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error {
	from := make([]string, 0, 2)
	for _, st := range domain.AllowedFrom(status) {
		from = append(from, string(st))
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2, last_error=$3,
		    completed_at = CASE WHEN $4 THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    updated_at=now()
		WHERE id=$1 AND status = ANY($5)
	`, id, string(status), nullIfEmpty(lastError), status.Terminal(), from)
	if err != nil {
		return store.Wrap("update_status", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	var one int
	err = s.DB.QueryRow(ctx, `SELECT 1 FROM campaigns WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return store.Wrap("update_status", err)
	}
	return domain.ErrInvalidTransition
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return store.Wrap("delete", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, accountID string, limit int) ([]*domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+columns+` FROM campaigns
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, store.ClampLimit(limit))
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

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var (
		c                 domain.Campaign
		status            string
		tmplJSON, rcpJSON []byte
		started, finished *time.Time
	)
	err := row.Scan(&c.ID, &c.AccountID, &tmplJSON, &rcpJSON, &status, &c.SuccessCount, &c.FailedCount,
		&c.TotalRecipients, &c.LastError, &c.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CampaignStatus(status)
	c.StartedAt, c.CompletedAt = started, finished
	if err := json.Unmarshal(tmplJSON, &c.Template); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rcpJSON, &c.Recipients); err != nil {
		return nil, err
	}
	return &c, nil
}

func encode(c *domain.Campaign) (tmpl, recipients []byte, err error) {
	if tmpl, err = json.Marshal(c.Template); err != nil {
		return nil, nil, err
	}
	if recipients, err = json.Marshal(c.Recipients); err != nil {
		return nil, nil, err
	}
	return tmpl, recipients, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
