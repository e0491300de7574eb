package audit

import (
	"context"

	"github.com/StricklySoft/realmgate/pkg/auth"
)

type multi []auth.AuditSink

// Multi fans each event out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...auth.AuditSink) auth.AuditSink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	for _, s := range m {
		s.RecordDeny(ctx, ev)
	}
}
