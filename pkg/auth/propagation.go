package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

// Header names. gRPC metadata uses the same keys in lower case.
const (
	// HeaderAuthorization carries the bearer token.
	HeaderAuthorization = "Authorization"

	// HeaderPrincipal carries the verified subject of an allow.
	HeaderPrincipal = "X-Auth-Principal"

	// HeaderRealm carries the realm of an allow.
	HeaderRealm = "X-Auth-Realm"

	// HeaderContext carries the decision context as base64url-encoded
	// JSON.
	HeaderContext = "X-Auth-Context"

	// HeaderErrorCode carries the code of a deny.
	HeaderErrorCode = "X-Auth-Error-Code"
)

// MaxHeaderValueSize bounds one serialized header value. HTTP/1.1 servers
// commonly cap a header at 8 KB.
const MaxHeaderValueSize = 8192

const bearerScheme = "Bearer"

// ParseBearer returns the token from an Authorization header value. The
// value must be the scheme "Bearer" (any case), one space and a non-empty
// token without spaces; anything else is INVALID_TOKEN_FORMAT.
func ParseBearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", sserr.New(sserr.CodeInvalidTokenFormat, "auth: authorization header is not a bearer credential")
	}
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", sserr.New(sserr.CodeInvalidTokenFormat, "auth: bearer token is empty or contains whitespace")
	}
	return token, nil
}

// SerializeContext encodes decision attributes for a header value.
func SerializeContext(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("auth: failed to marshal decision context: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(data)
	if len(encoded) > MaxHeaderValueSize {
		return "", fmt.Errorf("auth: serialized decision context size %d exceeds maximum %d bytes", len(encoded), MaxHeaderValueSize)
	}
	return encoded, nil
}

// DeserializeContext decodes a value written by [SerializeContext]. An
// empty value yields an empty map.
func DeserializeContext(encoded string) (map[string]string, error) {
	attrs := make(map[string]string)
	if encoded == "" {
		return attrs, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode decision context: %w", err)
	}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("auth: failed to unmarshal decision context: %w", err)
	}
	return attrs, nil
}

// DecisionHeaders returns the headers that carry d to an upstream service.
// A deny yields only the error code.
func DecisionHeaders(d Decision) (map[string]string, error) {
	if !d.Allowed() {
		return map[string]string{HeaderErrorCode: string(d.ErrorCode)}, nil
	}
	encoded, err := SerializeContext(d.Context)
	if err != nil {
		return nil, err
	}
	h := map[string]string{
		HeaderPrincipal: d.PrincipalID,
		HeaderRealm:     d.Context[AttrRealm],
	}
	if encoded != "" {
		h[HeaderContext] = encoded
	}
	return h, nil
}

// ApplyDecisionHeaders sets the headers of d on h, replacing any values a
// client may have supplied.
func ApplyDecisionHeaders(h http.Header, d Decision) error {
	for _, k := range []string{HeaderPrincipal, HeaderRealm, HeaderContext, HeaderErrorCode} {
		h.Del(k)
	}
	headers, err := DecisionHeaders(d)
	if err != nil {
		return err
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	return nil
}

// DecisionFromHeaders rebuilds an allow decision forwarded by the gateway.
// It trusts its input and must only be used behind the gateway.
func DecisionFromHeaders(h http.Header, resource string) (Decision, bool, error) {
	principal := h.Get(HeaderPrincipal)
	if principal == "" {
		return Decision{}, false, nil
	}
	attrs, err := DeserializeContext(h.Get(HeaderContext))
	if err != nil {
		return Decision{}, false, err
	}
	return Allow(principal, resource, attrs), true, nil
}

// PropagatingRoundTripper forwards the decision in the request context to
// upstream services as headers.
type PropagatingRoundTripper struct {
	wrapped http.RoundTripper
}

// NewPropagatingRoundTripper wraps transport, or [http.DefaultTransport]
// when nil.
func NewPropagatingRoundTripper(transport http.RoundTripper) *PropagatingRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &PropagatingRoundTripper{wrapped: transport}
}

// RoundTrip implements [http.RoundTripper]. Requests without an allow
// decision in their context pass through unchanged.
func (t *PropagatingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	d, ok := DecisionFromContext(r.Context())
	if !ok || !d.Allowed() {
		return t.wrapped.RoundTrip(r)
	}
	clone := r.Clone(r.Context())
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	if err := ApplyDecisionHeaders(clone.Header, d); err != nil {
		return nil, err
	}
	return t.wrapped.RoundTrip(clone)
}
