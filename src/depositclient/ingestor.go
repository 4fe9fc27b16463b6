package depositclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"go.uber.org/zap"
)

type IngestResult string

const (
	IngestStored        IngestResult = "stored"
	IngestDuplicate     IngestResult = "duplicate"
	IngestSourceMissing IngestResult = "source_missing"
	IngestFailed        IngestResult = "failed"
)

const claimReleaseTimeout = 5 * time.Second

// SourceProvider lists the deposit sources that should be connected
type SourceProvider interface {
	ListActiveDepositSources(ctx context.Context) ([]model.DepositSource, error)
}

// DepositStore is the persistence the ingestor needs. FindDepositByID and
// FindDepositSourceByID return nil, nil when nothing matches.
// InsertDepositIfAbsent reports false when a record with the same id exists.
type DepositStore interface {
	FindDepositByID(ctx context.Context, id string) (*model.DepositRecord, error)
	InsertDepositIfAbsent(ctx context.Context, record *model.DepositRecord) (bool, error)
	FindDepositSourceByID(ctx context.Context, id model.SourceID) (*model.DepositSource, error)
}

// DuplicateGuard is an optional shared claim on deposit ids. A held claim is
// a hint, the store still has the final say.
type DuplicateGuard interface {
	Claim(ctx context.Context, depositID string) (bool, error)
	Release(ctx context.Context, depositID string) error
}

type DepositIngestor struct {
	store  DepositStore
	guard  DuplicateGuard
	diag   *diaglog.Log
	clock  clock.Clock
	logger *zap.Logger
	locks  keyedMutex
}

// NewDepositIngestor builds an ingestor; guard may be nil.
func NewDepositIngestor(store DepositStore, guard DuplicateGuard, diag *diaglog.Log, clk clock.Clock, logger *zap.Logger) *DepositIngestor {
	return &DepositIngestor{
		store:  store,
		guard:  guard,
		diag:   diag,
		clock:  clk,
		logger: logger.Named("ingestor"),
		locks:  keyedMutex{held: map[string]*keyedLock{}},
	}
}

// Ingest persists one deposit event for source. Every outcome is logged; no
// error escapes, a failed deposit is left for the upstream to redeliver.
func (di *DepositIngestor) Ingest(ctx context.Context, source model.DepositSource, event model.InboundDepositEvent) IngestResult {
	started := time.Now()
	unlock := di.locks.lock(event.ID)
	result := di.ingest(ctx, source, event)
	unlock()
	RecordDeposit(source.ID, result, time.Since(started))
	return result
}

func (di *DepositIngestor) ingest(ctx context.Context, source model.DepositSource, event model.InboundDepositEvent) IngestResult {
	scope := di.diag.Source(source.ID)

	claimed := false
	if di.guard != nil {
		ok, err := di.guard.Claim(ctx, event.ID)
		switch {
		case err != nil:
			di.logger.Warn("duplicate guard unavailable, relying on store", zap.String("deposit_id", event.ID), zap.Error(err))
		case !ok:
			// a claim can outlive a failed insert, only the store decides what is a duplicate
			di.logger.Info("deposit already claimed, checking store", zap.String("deposit_id", event.ID))
		default:
			claimed = true
		}
	}
	release := func() {
		if !claimed {
			return
		}
		// ctx may be the one that just got cancelled by a shutdown
		releaseCtx, cancel := context.WithTimeout(context.Background(), claimReleaseTimeout)
		defer cancel()
		if err := di.guard.Release(releaseCtx, event.ID); err != nil {
			di.logger.Warn("failed releasing deposit claim", zap.String("deposit_id", event.ID), zap.Error(err))
		}
	}

	existing, err := di.store.FindDepositByID(ctx, event.ID)
	if err != nil {
		scope.Error(fmt.Sprintf("failed checking deposit %s: %s", event.ID, err))
		release()
		return IngestFailed
	}
	if existing != nil {
		scope.Warn(fmt.Sprintf("deposit %s already exists, skipping", event.ID))
		return IngestDuplicate
	}

	// commission is taken from the stored source, not the snapshot the connection was opened with
	current, err := di.store.FindDepositSourceByID(ctx, source.ID)
	if err != nil {
		scope.Error(fmt.Sprintf("failed loading source for deposit %s: %s", event.ID, err))
		release()
		return IngestFailed
	}
	if current == nil {
		scope.Error(fmt.Sprintf("deposit source %d no longer exists, dropping deposit %s", source.ID, event.ID))
		release()
		return IngestSourceMissing
	}

	record := model.NewDepositRecord(current.ID, current.CommissionPercent, event, di.clock.Now())
	inserted, err := di.store.InsertDepositIfAbsent(ctx, record)
	if err != nil {
		scope.Error(fmt.Sprintf("failed saving deposit %s: %s", event.ID, err))
		release()
		return IngestFailed
	}
	if !inserted {
		scope.Warn(fmt.Sprintf("deposit %s already exists, skipping", event.ID))
		return IngestDuplicate
	}

	scope.Info(fmt.Sprintf("deposit %s saved: %s %s ($%s), commission %s%%, net %s",
		record.ID, record.Amount, record.Token, record.AmountUsd, record.CommissionPercent, record.NetAmount))
	return IngestStored
}

// keyedMutex serializes work per key. Entries are dropped once nobody holds
// or waits for them.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (km *keyedMutex) lock(key string) func() {
	km.mu.Lock()
	l, ok := km.held[key]
	if !ok {
		l = &keyedLock{}
		km.held[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.held, key)
		}
		km.mu.Unlock()
	}
}
