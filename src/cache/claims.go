package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const claimKey = "deposit_claims"

// DepositClaims marks deposit ids as taken before they hit postgres. Members are
// scored with the claim time so old claims can be pruned.
type DepositClaims struct {
	set   ZSet
	clock clock.Clock
}

func NewDepositClaims(rd *redis.Client, clk clock.Clock) *DepositClaims {
	return &DepositClaims{
		set:   NewZSet(rd, claimKey),
		clock: clk,
	}
}

// Claim returns true if the id was not claimed before.
func (dc *DepositClaims) Claim(ctx context.Context, depositID string) (bool, error) {
	added, err := dc.set.AddValues(ctx, ZSetKVP{
		Score:  float64(dc.clock.Now().Unix()),
		Member: depositID,
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed claiming deposit %s", depositID)
	}
	return added > 0, nil
}

// Release gives up a claim, used when the deposit could not be persisted.
func (dc *DepositClaims) Release(ctx context.Context, depositID string) error {
	_, err := dc.set.Remove(ctx, depositID)
	return errors.Wrapf(err, "failed releasing claim for deposit %s", depositID)
}

func (dc *DepositClaims) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := dc.clock.Now().Add(-age).Unix()
	removed, err := dc.set.RemoveByScore(ctx, 0, cutoff)
	return removed, errors.Wrap(err, "failed pruning deposit claims")
}

func StartClaimPruner(ctx context.Context, dc *DepositClaims, delay, retention time.Duration, logger *zap.Logger) error {
	ticker := dc.clock.NewTicker(delay)
	defer ticker.Stop()
	logger = logger.Named("claim pruner")
	for {
		select {
		case <-ticker.C:
			removed, err := dc.PruneOlderThan(ctx, retention)
			if err != nil {
				logger.Error(err.Error())
				continue
			}
			if removed > 0 {
				logger.Info("pruned deposit claims", zap.Int64("removed", removed))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
