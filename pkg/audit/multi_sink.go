package audit

import (
	"context"
	"database/sql"
	"errors"
)

// MultiSink writes to a primary sink and then to every mirror. Mirror
// failures are reported but never mask a primary success; callers decide
// what a failed mirror means for the mutation.
type MultiSink struct {
	primary Sink
	mirrors []Sink
}

// NewMultiSink fans records out from primary to mirrors
func NewMultiSink(primary Sink, mirrors ...Sink) *MultiSink {
	return &MultiSink{primary: primary, mirrors: mirrors}
}

// Write writes to the primary, then to each mirror
func (m *MultiSink) Write(ctx context.Context, rec *Record) error {
	if err := m.primary.Write(ctx, rec); err != nil {
		return err
	}
	return m.mirror(ctx, rec)
}

// WriteTx writes inside tx when the primary supports it. Mirrors receive the
// record immediately, so they may see records from a transaction that later
// rolls back; consumers deduplicate on DedupKey.
func (m *MultiSink) WriteTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	txs, ok := m.primary.(TxSink)
	if !ok {
		return m.Write(ctx, rec)
	}
	if err := txs.WriteTx(ctx, tx, rec); err != nil {
		return err
	}
	return m.mirror(ctx, rec)
}

func (m *MultiSink) mirror(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m.mirrors {
		cp := *rec
		if err := s.Write(ctx, &cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Search delegates to the primary when it can be read
func (m *MultiSink) Search(ctx context.Context, filter Filter) (*Page, error) {
	if r, ok := m.primary.(Reader); ok {
		return r.Search(ctx, filter)
	}
	return nil, errors.New("primary audit sink is not searchable")
}

// Close closes every sink
func (m *MultiSink) Close() error {
	errs := []error{m.primary.Close()}
	for _, s := range m.mirrors {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
