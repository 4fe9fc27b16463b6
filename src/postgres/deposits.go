package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// numerics cross the wire as text so no precision is lost on either side
const depositColumns = `id, deposit_source_id, mammoth_id, mammoth_login, mammoth_country, mammoth_promo,
	token, amount::text, amount_usd::text, worker_percent::text, domain, tx_hash,
	commission_percent::text, commission_amount::text, commission_amount_usd::text,
	net_amount::text, net_amount_usd::text, processed, created_at`

func (s *Store) FindDepositByID(ctx context.Context, id string) (*model.DepositRecord, error) {
	var found *model.DepositRecord
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
		rec, err := scanDeposit(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed fetching deposit %s", id)
		}
		found = rec
		return nil
	})
	return found, err
}

// InsertDepositIfAbsent returns false when a deposit with the same id already exists
func (s *Store) InsertDepositIfAbsent(ctx context.Context, rec *model.DepositRecord) (bool, error) {
	inserted := false
	err := s.DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`INSERT INTO deposits(id, deposit_source_id, mammoth_id, mammoth_login, mammoth_country, mammoth_promo,
				token, amount, amount_usd, worker_percent, domain, tx_hash,
				commission_percent, commission_amount, commission_amount_usd, net_amount, net_amount_usd,
				processed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11, $12,
				$13::text::numeric, $14::text::numeric, $15::text::numeric, $16::text::numeric, $17::text::numeric, $18, $19)
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, int64(rec.DepositSourceID), rec.MammothID, rec.MammothLogin, rec.MammothCountry, rec.MammothPromo,
			rec.Token, rec.Amount.String(), rec.AmountUsd.String(), rec.WorkerPercent.String(), rec.Domain, rec.TxHash,
			rec.CommissionPercent.String(), rec.CommissionAmount.String(), rec.CommissionAmountUsd.String(),
			rec.NetAmount.String(), rec.NetAmountUsd.String(), rec.Processed, rec.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "failed to record deposit %s", rec.ID)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func scanDeposit(row pgx.Row) (*model.DepositRecord, error) {
	rec := &model.DepositRecord{}
	var sourceID int64
	var amount, amountUsd, workerPercent, commissionPercent, commission, commissionUsd, net, netUsd string
	var createdAt time.Time
	err := row.Scan(&rec.ID, &sourceID, &rec.MammothID, &rec.MammothLogin, &rec.MammothCountry, &rec.MammothPromo,
		&rec.Token, &amount, &amountUsd, &workerPercent, &rec.Domain, &rec.TxHash,
		&commissionPercent, &commission, &commissionUsd, &net, &netUsd, &rec.Processed, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.DepositSourceID = model.SourceID(sourceID)
	rec.CreatedAt = createdAt.UTC()

	targets := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&rec.Amount, amount}, {&rec.AmountUsd, amountUsd}, {&rec.WorkerPercent, workerPercent},
		{&rec.CommissionPercent, commissionPercent}, {&rec.CommissionAmount, commission},
		{&rec.CommissionAmountUsd, commissionUsd}, {&rec.NetAmount, net}, {&rec.NetAmountUsd, netUsd},
	}
	for _, t := range targets {
		d, err := decimal.NewFromString(t.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "deposit %s has an invalid amount %q", rec.ID, t.raw)
		}
		*t.dst = d
	}
	return rec, nil
}
