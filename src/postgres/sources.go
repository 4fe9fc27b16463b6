package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const sourceColumns = `id, name, secret_token, commission_percent::text, is_active, project_id`

func (s *Store) ListActiveDepositSources(ctx context.Context) ([]model.DepositSource, error) {
	sources := []model.DepositSource{}
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		cur, err := conn.Query(ctx, `SELECT `+sourceColumns+` FROM deposit_sources WHERE is_active ORDER BY id`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch deposit sources")
		}
		defer cur.Close()
		for cur.Next() {
			src, err := scanSource(cur)
			if err != nil {
				return err
			}
			sources = append(sources, *src)
		}
		return errors.Wrap(cur.Err(), "failed reading deposit sources")
	})
	return sources, err
}

func (s *Store) FindDepositSourceByID(ctx context.Context, id model.SourceID) (*model.DepositSource, error) {
	var found *model.DepositSource
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		src, err := scanSource(conn.QueryRow(ctx, `SELECT `+sourceColumns+` FROM deposit_sources WHERE id = $1`, int64(id)))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed fetching deposit source %d", id)
		}
		found = src
		return nil
	})
	return found, err
}

// SaveDepositSource inserts or replaces a source definition
func (s *Store) SaveDepositSource(ctx context.Context, src model.DepositSource) error {
	return errors.Wrapf(s.DoExec(ctx,
		`INSERT INTO deposit_sources(id, name, secret_token, commission_percent, is_active, project_id)
			VALUES ($1, $2, $3, $4::text::numeric, $5, $6)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, secret_token = EXCLUDED.secret_token,
				commission_percent = EXCLUDED.commission_percent, is_active = EXCLUDED.is_active,
				project_id = EXCLUDED.project_id`,
		int64(src.ID), src.Name, src.SecretToken, src.CommissionPercent.String(), src.IsActive, src.ProjectID),
		"failed saving deposit source %d", src.ID)
}

func scanSource(row pgx.Row) (*model.DepositSource, error) {
	var id int64
	var commission string
	src := &model.DepositSource{}
	if err := row.Scan(&id, &src.Name, &src.SecretToken, &commission, &src.IsActive, &src.ProjectID); err != nil {
		return nil, err
	}
	percent, err := decimal.NewFromString(commission)
	if err != nil {
		return nil, errors.Wrapf(err, "deposit source %d has an invalid commission %q", id, commission)
	}
	src.ID = model.SourceID(id)
	src.CommissionPercent = percent
	return src, nil
}
