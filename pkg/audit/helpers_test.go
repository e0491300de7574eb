package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/realmgate/pkg/auth"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

var testTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func denyEvent(code sserr.Code) auth.DenyEvent {
	return auth.DenyEvent{
		ID:                uuid.New(),
		Time:              testTime,
		Code:              code,
		Message:           "denied",
		Stage:             auth.StageVerifying,
		TargetRealm:       auth.RealmStaff,
		TokenRealm:        auth.RealmCustomer,
		Resource:          "/staff/reports",
		UnverifiedSubject: "cust-42",
		Issuer:            "https://customer.example.com",
		Caller:            "10.0.0.7",
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.DenyEvent
	ctxs   []context.Context
}

func (s *recordingSink) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	s.ctxs = append(s.ctxs, ctx)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// syncBuffer lets the async worker and the test share one log buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (zerolog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return zerolog.New(buf), buf
}

func logLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		lines = append(lines, m)
	}
	return lines
}
