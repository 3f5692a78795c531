package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalVerifier(t *testing.T) {
	secret := []byte("operator-secret")
	v := NewHMACVerifier(secret)

	token, err := IssueHMAC(secret, "agent-1", "record_audio", time.Minute)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(token, "agent-1", "record_audio"))
	assert.NoError(t, v.Verify("Bearer "+token, "agent-1", "record_audio"))

	assert.ErrorIs(t, v.Verify(token, "agent-2", "record_audio"), ErrApprovalRequired)
	assert.ErrorIs(t, v.Verify(token, "agent-1", "capture_frame"), ErrApprovalRequired)
	assert.ErrorIs(t, v.Verify("", "agent-1", "record_audio"), ErrApprovalRequired)

	expired, err := IssueHMAC(secret, "agent-1", "record_audio", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(expired, "agent-1", "record_audio"), ErrApprovalRequired)

	forged, err := IssueHMAC([]byte("other"), "agent-1", "record_audio", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(forged, "agent-1", "record_audio"), ErrApprovalRequired)
}

func TestRSAVerifierRejectsEmptyKey(t *testing.T) {
	_, err := NewRSAVerifier(nil)
	assert.Error(t, err)
}
