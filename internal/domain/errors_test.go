package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type kindedErr struct{}

func (kindedErr) Error() string { return "device busy" }
func (kindedErr) Kind() string  { return "DeviceBusy" }

func TestErrorCategories(t *testing.T) {
	err := fmt.Errorf("invoke: %w", NotFoundError("ghost"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)

	var de *Error
	if assert.ErrorAs(t, err, &de) {
		assert.Equal(t, CodeNotFound, de.Code)
		assert.Equal(t, "ghost", de.Subject)
	}
}

func TestDenialErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind error
		code Code
		msg  string
	}{
		{"scope", PermissionDenied("capture_frame", "Missing required scope: camera"), ErrPermissionDenied, CodePermissionDenied, "Missing required scope: camera"},
		{"blocked", AgentBlocked("agent-1"), ErrPermissionDenied, CodeAgentBlocked, "agent_blocked"},
		{"window", RateLimited("agent-1", "rate_limit_exceeded_1_per_min"), ErrRateLimited, CodeRateLimited, "rate_limit_exceeded_1_per_min"},
		{"budget", QuotaExceeded("agent-1", "cpu_budget_exceeded"), ErrRateLimited, CodeQuotaExceeded, "cpu_budget_exceeded"},
		{"framing", ProtocolError(CodeInvalidJSON, "Could not parse JSON"), ErrProtocol, CodeInvalidJSON, "Could not parse JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.msg, tt.err.Msg)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("boom"), "HandlerError"},
		{"kinded", kindedErr{}, "DeviceBusy"},
		{"wrapped kinded", fmt.Errorf("x: %w", kindedErr{}), "DeviceBusy"},
		{"gateway error", ValidationError("say", "bad args", nil), "invalid_arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestParseSensitivity(t *testing.T) {
	s, err := ParseSensitivity("")
	assert.NoError(t, err)
	assert.Equal(t, SensitivityLow, s)

	_, err = ParseSensitivity("extreme")
	assert.Error(t, err)
}
