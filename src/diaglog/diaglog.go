// Package diaglog keeps the most recent diagnostic entries of the deposit
// client in memory so operators can inspect connection history per source.
//
// Entries are held in a fixed-capacity ring; once full, every append evicts the
// oldest entry. Each entry is also written to the process logger. All methods
// are safe for concurrent use.
package diaglog

import (
	"sync"
	"time"

	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"go.uber.org/zap"
)

const DefaultCapacity = 1000

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     Level           `json:"level"`
	Message   string          `json:"message"`
	SourceID  *model.SourceID `json:"sourceId,omitempty"`
}

type Log struct {
	mu      sync.Mutex
	entries []Entry
	start   int // index of the oldest entry
	size    int
	clock   clock.Clock
	logger  *zap.Logger
}

func New(capacity int, clk clock.Clock, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		entries: make([]Entry, capacity),
		clock:   clk,
		logger:  logger.Named("diagnostics"),
	}
}

func (l *Log) Capacity() int {
	return len(l.entries)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append records an entry; a nil sourceID marks it as global.
func (l *Log) Append(level Level, sourceID *model.SourceID, message string) {
	entry := Entry{
		Timestamp: l.clock.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	if sourceID != nil {
		id := *sourceID
		entry.SourceID = &id
	}

	l.mu.Lock()
	l.appendLocked(entry)
	l.mu.Unlock()

	l.mirror(entry)
}

func (l *Log) appendLocked(entry Entry) {
	capacity := len(l.entries)
	if l.size == capacity {
		l.entries[l.start] = entry
		l.start = (l.start + 1) % capacity
		return
	}
	l.entries[(l.start+l.size)%capacity] = entry
	l.size++
}

func (l *Log) mirror(entry Entry) {
	fields := []zap.Field{}
	if entry.SourceID != nil {
		fields = append(fields, zap.Int64("source_id", int64(*entry.SourceID)))
	}
	switch entry.Level {
	case LevelError:
		l.logger.Error(entry.Message, fields...)
	case LevelWarn:
		l.logger.Warn(entry.Message, fields...)
	default:
		l.logger.Info(entry.Message, fields...)
	}
}

// Query returns the entries tagged with sourceID plus all global entries, oldest
// first. A nil sourceID returns everything.
func (l *Log) Query(sourceID *model.SourceID) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.size)
	for i := 0; i < l.size; i++ {
		entry := l.entries[(l.start+i)%len(l.entries)]
		if sourceID != nil && entry.SourceID != nil && *entry.SourceID != *sourceID {
			continue
		}
		if entry.SourceID != nil {
			id := *entry.SourceID
			entry.SourceID = &id
		}
		out = append(out, entry)
	}
	return out
}

// Clear drops every entry and leaves a single marker behind.
func (l *Log) Clear() {
	entry := Entry{
		Timestamp: l.clock.Now().UTC(),
		Level:     LevelInfo,
		Message:   "diagnostic log cleared",
	}
	l.mu.Lock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.start, l.size = 0, 0
	l.appendLocked(entry)
	l.mu.Unlock()

	l.mirror(entry)
}

// Source returns a handle that tags everything it appends with id.
func (l *Log) Source(id model.SourceID) Scope {
	return Scope{log: l, id: id}
}

type Scope struct {
	log *Log
	id  model.SourceID
}

func (s Scope) Info(message string)  { s.log.Append(LevelInfo, &s.id, message) }
func (s Scope) Warn(message string)  { s.log.Append(LevelWarn, &s.id, message) }
func (s Scope) Error(message string) { s.log.Append(LevelError, &s.id, message) }
