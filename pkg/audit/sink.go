package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSinkUnavailable is returned when a record could not be persisted
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// Sink is a write-once destination for audit records
type Sink interface {
	// Write persists the record outside of any caller transaction
	Write(ctx context.Context, rec *Record) error

	// Close flushes buffered records
	Close() error
}

// TxSink can append a record inside the caller's transaction, so the record
// becomes visible atomically with the mutation it describes.
type TxSink interface {
	Sink
	WriteTx(ctx context.Context, tx *sql.Tx, rec *Record) error
}

// Reader exposes paginated search for admin review
type Reader interface {
	Search(ctx context.Context, filter Filter) (*Page, error)
}

// Mode decides what happens to a mutation when its audit record cannot be written
type Mode string

const (
	// ModeStrict aborts the mutation
	ModeStrict Mode = "strict"
	// ModeBestEffort commits the mutation and logs the failure
	ModeBestEffort Mode = "best_effort"
)

// ParseMode validates a configured audit mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeBestEffort:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid audit mode %q (want strict or best_effort)", s)
}

// NopSink discards records
type NopSink struct{}

func (NopSink) Write(context.Context, *Record) error { return nil }
func (NopSink) Close() error                         { return nil }

// MemorySink keeps records in memory. It backs unit tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	records []*Record
	nextID  int64

	// FailWith, when set, makes every write fail with this error
	FailWith error
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, m.FailWith)
	}
	rec.normalize()
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	rec.ID = cp.ID
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of everything written, oldest first
func (m *MemorySink) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Kinds returns the kinds written, oldest first
func (m *MemorySink) Kinds() []Kind {
	recs := m.Records()
	kinds := make([]Kind, len(recs))
	for i, r := range recs {
		kinds[i] = r.Kind
	}
	return kinds
}

// Reset drops all records
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// Search filters the in-memory records the same way the database sink does
func (m *MemorySink) Search(ctx context.Context, filter Filter) (*Page, error) {
	filter.clamp()
	kinds := make(map[Kind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}

	var matched []*Record
	for _, r := range m.Records() {
		switch {
		case len(kinds) > 0 && !kinds[r.Kind]:
		case filter.ActorID != nil && (r.ActorID == nil || *r.ActorID != *filter.ActorID):
		case filter.TargetID != nil && (r.TargetID == nil || *r.TargetID != *filter.TargetID):
		case filter.Subject != "" && r.Subject != filter.Subject:
		case filter.CorrelationID != "" && r.CorrelationID != filter.CorrelationID:
		case filter.Since != nil && r.Timestamp.Before(*filter.Since):
		case filter.Until != nil && r.Timestamp.After(*filter.Until):
		default:
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	page := &Page{Records: []*Record{}, Total: int64(len(matched)), Limit: filter.Limit, Offset: filter.Offset}
	if filter.Offset < len(matched) {
		end := filter.Offset + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Records = matched[filter.Offset:end]
	}
	return page, nil
}
