// Package audit records authorization decisions and permission mutations.
//
// # Overview
//
// Every grant, revoke, role change, seed run and expiry sweep produces one
// append-only Record. Denied access attempts produce DENY records, and allowed
// ones may produce ALLOW records depending on configuration. Records carry the
// request correlation id so a 403 seen by a client can be matched to its
// record.
//
// # Sinks
//
// DBSink is the authoritative store. It implements TxSink so mutations can
// append their record in the same transaction:
//
//	sink, err := audit.NewDBSink(db, "postgres")
//	err = sink.WriteTx(ctx, tx, &audit.Record{
//		Kind:          audit.KindGrant,
//		ActorID:       audit.Int64(actor),
//		TargetID:      audit.Int64(user),
//		Subject:       "grades:delete",
//		CorrelationID: correlationID,
//	})
//
// FileSink mirrors records to rotated NDJSON files, and MultiSink combines a
// primary with mirrors. MemorySink backs tests.
//
// # Delivery
//
// Delivery is at-least-once. Consumers deduplicate on Record.DedupKey.
//
// # Search
//
//	page, err := sink.Search(ctx, audit.Filter{
//		Kinds:    []audit.Kind{audit.KindDeny},
//		TargetID: audit.Int64(42),
//		Limit:    100,
//	})
package audit
