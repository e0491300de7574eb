// Package audit delivers authorization denies to security monitoring.
//
// Every sink implements auth.AuditSink. The authorizer calls RecordDeny on
// the request path, so sinks that perform I/O are wrapped in [Async], which
// hands events to a background worker and drops them when its buffer is
// full rather than delay a decision.
//
//	sink := audit.NewAsync(
//	    audit.Multi(
//	        audit.NewLogSink(logger),
//	        audit.NewPostgresStore(pg),
//	        audit.NewRedisCounter(rdb, audit.CounterConfig{}),
//	    ),
//	    audit.AsyncConfig{},
//	    logger,
//	)
//	defer sink.Close(ctx)
package audit
