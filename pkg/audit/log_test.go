package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

func TestLogSink_CrossPoolAtWarn(t *testing.T) {
	t.Parallel()
	logger, buf := newTestLogger()
	ev := denyEvent(sserr.CodeCrossPoolAccess)

	NewLogSink(logger).RecordDeny(context.Background(), ev)

	lines := logLines(t, buf.String())
	require.Len(t, lines, 1)
	l := lines[0]
	assert.Equal(t, "warn", l["level"])
	assert.Equal(t, "audit", l["component"])
	assert.Equal(t, "auth_deny_audit", l["event"])
	assert.Equal(t, ev.ID.String(), l["deny_id"])
	assert.Equal(t, "CROSS_POOL_ACCESS", l["error_code"])
	assert.Equal(t, "verifying", l["stage"])
	assert.Equal(t, "staff", l["target_realm"])
	assert.Equal(t, "customer", l["token_realm"])
	assert.Equal(t, "/staff/reports", l["resource"])
	assert.Equal(t, "cust-42", l["unverified_subject"])
	assert.Equal(t, "10.0.0.7", l["caller"])
	assert.Equal(t, "denied", l["message"])
}

func TestLogSink_OtherDeniesAtInfo(t *testing.T) {
	t.Parallel()
	logger, buf := newTestLogger()

	NewLogSink(logger).RecordDeny(context.Background(), denyEvent(sserr.CodeTokenExpired))

	lines := logLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "TOKEN_EXPIRED", lines[0]["error_code"])
}
