package rbac

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// AuditPolicy routes records to the sink and applies the deployment's
// strict or best-effort failure mode.
type AuditPolicy struct {
	Sink    audit.Sink
	Mode    audit.Mode
	Logger  *observability.Logger
	Metrics *Metrics
}

// emit writes rec inside tx when the sink supports it. In strict mode a
// failed write aborts the caller with ErrAuditSinkUnavailable; in best-effort
// mode it is logged and swallowed.
func (p AuditPolicy) emit(ctx context.Context, tx *sql.Tx, rec *audit.Record) error {
	if p.Sink == nil {
		return nil
	}

	var err error
	if txs, ok := p.Sink.(audit.TxSink); ok && tx != nil {
		err = txs.WriteTx(ctx, tx, rec)
	} else {
		err = p.Sink.Write(ctx, rec)
	}
	if err == nil {
		return nil
	}

	p.Metrics.auditFailure()
	if p.Mode == audit.ModeBestEffort {
		p.logger(ctx).WithError(err).WithFields(map[string]interface{}{
			"kind":           string(rec.Kind),
			"correlation_id": rec.CorrelationID,
		}).Warn("audit record dropped")
		return nil
	}
	return &Error{Kind: ErrAuditSinkUnavailable, Err: err}
}

// emitDetached writes a record that must survive a rolled-back mutation.
// Failures are logged only; the caller already has an error to report.
func (p AuditPolicy) emitDetached(ctx context.Context, rec *audit.Record) {
	if p.Sink == nil {
		return
	}
	if err := p.Sink.Write(ctx, rec); err != nil {
		p.Metrics.auditFailure()
		p.logger(ctx).WithError(err).WithField("kind", string(rec.Kind)).Warn("failed to record rejected mutation")
	}
}

func (p AuditPolicy) logger(ctx context.Context) *observability.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return observability.FromContext(ctx)
}
