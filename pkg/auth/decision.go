package auth

import (
	"maps"
	"time"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Effect is the outcome of a check.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Decision is the sole output of one authorization check.
//
// An allow carries the identity flattened into Context. A deny carries
// ErrorCode, ErrorMessage and Timestamp; its Context holds at most the
// realm labels needed to render a response. PrincipalID is the verified
// subject, or empty when the token never verified.
type Decision struct {
	PrincipalID  string            `json:"principalId"`
	Effect       Effect            `json:"effect"`
	Resource     string            `json:"resource"`
	Context      map[string]string `json:"context,omitempty"`
	ErrorCode    sserr.Code        `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitzero"`
	Retryable    bool              `json:"retryable,omitempty"`
}

// Allowed reports whether the decision admits the request.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Allow builds an allow decision. ctx is copied.
func Allow(principalID, resource string, ctx map[string]string) Decision {
	return Decision{
		PrincipalID: principalID,
		Effect:      EffectAllow,
		Resource:    resource,
		Context:     maps.Clone(ctx),
	}
}

// Deny builds a deny decision stamped with at.
func Deny(principalID, resource string, code sserr.Code, message string, at time.Time) Decision {
	return Decision{
		PrincipalID:  principalID,
		Effect:       EffectDeny,
		Resource:     resource,
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    at.UTC(),
		Retryable:    code.Retryable(),
	}
}

// DenyFromError builds a deny decision from err. Errors without a token
// code become INTERNAL_ERROR with a generic message so internals never
// reach a client.
func DenyFromError(principalID, resource string, err error, at time.Time) Decision {
	e, ok := sserr.AsError(err)
	if !ok {
		return Deny(principalID, resource, sserr.CodeInternal, "internal error", at)
	}
	msg := e.Message
	if e.Code.Category() == sserr.CategoryInternal {
		msg = "internal error"
	}
	return Deny(principalID, resource, e.Code, msg, at)
}
