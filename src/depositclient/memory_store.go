package depositclient

import (
	"context"
	"sort"
	"sync"

	"github.com/onemorebsmith/deposit-ingest/src/model"
)

// MemoryStore backs use_mock mode; it satisfies both SourceProvider and
// DepositStore without a database.
type MemoryStore struct {
	mu       sync.Mutex
	sources  map[model.SourceID]model.DepositSource
	deposits map[string]model.DepositRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:  map[model.SourceID]model.DepositSource{},
		deposits: map[string]model.DepositRecord{},
	}
}

func (ms *MemoryStore) PutSource(source model.DepositSource) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sources[source.ID] = source
}

func (ms *MemoryStore) DeleteSource(id model.SourceID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sources, id)
}

func (ms *MemoryStore) ListActiveDepositSources(_ context.Context) ([]model.DepositSource, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := []model.DepositSource{}
	for _, s := range ms.sources {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ms *MemoryStore) FindDepositSourceByID(_ context.Context, id model.SourceID) (*model.DepositSource, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.sources[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (ms *MemoryStore) FindDepositByID(_ context.Context, id string) (*model.DepositRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.deposits[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (ms *MemoryStore) InsertDepositIfAbsent(_ context.Context, record *model.DepositRecord) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.deposits[record.ID]; ok {
		return false, nil
	}
	ms.deposits[record.ID] = *record
	return true, nil
}

// Deposits returns every stored record ordered by id
func (ms *MemoryStore) Deposits() []model.DepositRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]model.DepositRecord, 0, len(ms.deposits))
	for _, d := range ms.deposits {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
