package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestParseToggle(t *testing.T) {
	tests := []struct {
		payload string
		id      string
		on      bool
		ok      bool
	}{
		{"agent-1:true", "agent-1", true, true},
		{"agent-1:on", "agent-1", true, true},
		{"agent-1:false", "agent-1", false, true},
		{"ns:agent:off", "ns:agent", false, true},
		{"agent-1", "", false, false},
		{":true", "", false, false},
		{"agent-1:", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			id, on, ok := ParseToggle(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.on, on)
		})
	}
}

func TestParseScopeSignal(t *testing.T) {
	tests := []struct {
		payload string
		agent   string
		scope   string
		grant   bool
		ok      bool
	}{
		{"agent-1:camera:grant", "agent-1", "camera", true, true},
		{"agent-1:camera:revoke", "agent-1", "camera", false, true},
		{"agent-1:media:camera:grant", "agent-1", "media:camera", true, true},
		{"agent-1:camera:maybe", "", "", false, false},
		{"agent-1::grant", "", "", false, false},
		{"agent-1:grant", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			agent, scope, grant, ok := ParseScopeSignal(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.agent, agent)
			assert.Equal(t, tt.scope, scope)
			assert.Equal(t, tt.grant, grant)
		})
	}
}

type grants struct{ granted, revoked []string }

func (g *grants) GrantScope(a, s string)  { g.granted = append(g.granted, a+"/"+s) }
func (g *grants) RevokeScope(a, s string) { g.revoked = append(g.revoked, a+"/"+s) }

func TestScopeSignalsApply(t *testing.T) {
	g := &grants{}
	s := NewScopeSignals(nil, g, zap.NewNop())

	s.Apply("agent-1:camera:grant")
	s.Apply("agent-1:microphone:revoke")
	s.Apply("garbage")

	assert.Equal(t, []string{"agent-1/camera"}, g.granted)
	assert.Equal(t, []string{"agent-1/microphone"}, g.revoked)

	// Без Redis слушатель сразу возвращается
	s.Listen(context.Background())
}

type memStore struct{ status map[string]string }

func (m *memStore) SetStatus(_ context.Context, id, status string) error {
	m.status[id] = status
	return nil
}

func (m *memStore) AgentsByStatus(_ context.Context, status string) ([]string, error) {
	var out []string
	for id, s := range m.status {
		if s == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestKillSwitchLocal(t *testing.T) {
	store := &memStore{status: map[string]string{"old": "blocked", "fine": "active"}}
	k := NewKillSwitch(nil, store, zap.NewNop())
	ctx := context.Background()

	assert.NoError(t, k.Init(ctx))
	assert.True(t, k.IsBlocked("old"))
	assert.False(t, k.IsBlocked("fine"))

	assert.NoError(t, k.Block(ctx, "agent-1"))
	assert.True(t, k.IsBlocked("agent-1"))
	assert.Equal(t, "blocked", store.status["agent-1"])
	assert.Equal(t, []string{"agent-1", "old"}, k.Blocked())

	assert.NoError(t, k.Unblock(ctx, "agent-1"))
	assert.False(t, k.IsBlocked("agent-1"))
	assert.Equal(t, "active", store.status["agent-1"])

	assert.Error(t, k.Block(ctx, ""))
}
