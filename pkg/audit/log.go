package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// LogSink writes one structured record per deny. Cross-pool attempts are
// written at warn level, everything else at info.
type LogSink struct {
	logger zerolog.Logger
}

var _ auth.AuditSink = (*LogSink)(nil)

// NewLogSink returns a sink writing to logger under the "audit" component.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logging.Component(logger, "audit")}
}

func (s *LogSink) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	l := logging.FromContext(ctx, s.logger)
	e := l.Info()
	if ev.CrossPool() {
		e = l.Warn()
	}
	e.Str("event", "auth_deny_audit").
		Str("deny_id", ev.ID.String()).
		Time("denied_at", ev.Time).
		Str("error_code", ev.Code.String()).
		Str("stage", ev.Stage.String()).
		Str("target_realm", ev.TargetRealm.String()).
		Str("token_realm", ev.TokenRealm.String()).
		Str("resource", ev.Resource).
		Str("subject", ev.Subject).
		Str("unverified_subject", ev.UnverifiedSubject).
		Str("issuer", ev.Issuer).
		Str("caller", ev.Caller).
		Msg(ev.Message)
}
