package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// DenyEvent describes one deny for security monitoring. Subject is set only
// when the token verified; UnverifiedSubject is whatever the payload
// claimed and must never be used for decisions.
type DenyEvent struct {
	ID                uuid.UUID  `json:"id"`
	Time              time.Time  `json:"time"`
	Code              sserr.Code `json:"code"`
	Message           string     `json:"message"`
	Stage             Stage      `json:"stage"`
	TargetRealm       Realm      `json:"target_realm"`
	TokenRealm        Realm      `json:"token_realm,omitempty"`
	Resource          string     `json:"resource"`
	Subject           string     `json:"subject,omitempty"`
	UnverifiedSubject string     `json:"unverified_subject,omitempty"`
	Issuer            string     `json:"issuer,omitempty"`
	Caller            string     `json:"caller,omitempty"`
}

// CrossPool reports whether the event is a cross-realm attempt.
func (e DenyEvent) CrossPool() bool { return e.Code == sserr.CodeCrossPoolAccess }

// AuditSink receives deny events. RecordDeny is called on the request path
// and must not block for long; implementations that do I/O should be
// wrapped in an asynchronous sink. Errors are the sink's own concern.
type AuditSink interface {
	RecordDeny(ctx context.Context, ev DenyEvent)
}

// DecisionCache stores allow decisions between checks of the same token
// and resource. Implementations must honor ttl.
type DecisionCache interface {
	Get(ctx context.Context, key string) (Decision, bool)
	Put(ctx context.Context, key string, d Decision, ttl time.Duration)
}
