package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

func echo(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["text"]}, nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	require.NoError(t, Define("echo").
		Describe("Echo text back").
		Params(map[string]any{"text": map[string]any{"type": "string"}}, "text").
		Cost(5, false).
		Handle(echo).
		Register(r))
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	tests := []struct {
		name string
		cap  Capability
	}{
		{"empty name", Capability{Handler: echo}},
		{"nil handler", Capability{Name: "broken"}},
		{"bad sensitivity", Capability{Name: "x", Handler: echo, Sensitivity: "extreme"}},
		{"bad schema", Capability{Name: "y", Handler: echo, Schema: map[string]any{"type": 42}}},
		{"fragment in name", Capability{Name: "bad#name", Handler: echo, Schema: map[string]any{"type": "object"}}},
		{"space in name", Capability{Name: "take photo", Handler: echo}},
		{"path in name", Capability{Name: "../etc", Handler: echo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { err = r.Register(tt.cap) })
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegisterSchemaWithQualifiedNames(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	params := map[string]any{"city": map[string]any{"type": "string"}}

	for _, name := range []string{"weather.get", "TakePhoto", "ext:station-info", "a"} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, Define(name).Params(params, "city").Handle(echo).Register(r))

			_, err := r.Invoke(context.Background(), name, map[string]any{"city": "Oslo"})
			assert.NoError(t, err)
			_, err = r.Invoke(context.Background(), name, map[string]any{"city": 1})
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestRegisterAllKeepsGoodDefinitions(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	err := r.RegisterAll(
		Define("ok").Handle(echo),
		Define("broken"),
	)
	assert.Error(t, err)
	assert.True(t, r.Has("ok"))
	assert.False(t, r.Has("broken"))
}

func TestInvoke(t *testing.T) {
	r := newRegistry(t)

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])

	_, err = r.Invoke(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Invoke(context.Background(), "echo", map[string]any{"text": 12})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.Invoke(context.Background(), "echo", map[string]any{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInvokePropagatesHandlerError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	boom := errors.New("device unplugged")
	require.NoError(t, Define("cam").Handle(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, boom
	}).Register(r))

	_, err := r.Invoke(context.Background(), "cam", nil)
	assert.Same(t, boom, err)
}

func TestListMatchesDescribe(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, Define("list_cameras").Sensitivity(domain.SensitivityMedium).Scope("camera").Handle(echo).Register(r))

	all := r.List()
	require.Len(t, all, 2)
	for name, meta := range all {
		info, ok := r.Describe(name)
		require.True(t, ok)
		assert.Equal(t, meta, info)
	}
	assert.Equal(t, "camera", r.Scope("list_cameras"))
	assert.Equal(t, []string{"echo", "list_cameras"}, r.Names())

	_, ok := r.Describe("ghost")
	assert.False(t, ok)
}

func TestReRegistrationOverwrites(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, Define("echo").Describe("v2").Handle(echo).Register(r))

	info, ok := r.Describe("echo")
	require.True(t, ok)
	assert.Equal(t, "v2", info.Description)
	assert.Equal(t, 1, r.Len())
}
