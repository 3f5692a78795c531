package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/audit"
)

func TestBuildAuditInsert(t *testing.T) {
	ts := time.Now()
	query, vals := buildAuditInsert([]audit.AuditEvent{
		{ID: "1", AgentID: "a", CallID: "c1", Tool: "say", EventType: "tool_call", ArgsHash: "abcd1234", Status: "success", Timestamp: ts},
		{ID: "2", AgentID: "a", CallID: "c2", Tool: "say", EventType: "permission_denied", Status: "denied", Reason: "agent_blocked", Timestamp: ts},
	})

	require.Len(t, vals, 2*auditColumns)
	assert.True(t, strings.HasPrefix(query, "INSERT INTO audit_logs"))
	assert.Contains(t, query, "($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11),($12,")
	assert.Contains(t, query, "$22)")
	assert.Nil(t, vals[6], "empty result hash stored as NULL")
	assert.Equal(t, "agent_blocked", vals[auditColumns+8])
}
