package connectors

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

func simRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	reg := catalog.NewRegistry(zap.NewNop())
	require.NoError(t, reg.RegisterAll(NewSimulator().Capabilities()...))
	return reg
}

func TestSimulatorRegistersSensors(t *testing.T) {
	reg := simRegistry(t)
	assert.Equal(t, []string{"capture_frame", "get_voices", "list_audio_devices", "list_cameras", "record_audio", "say"}, reg.Names())
	assert.Equal(t, ScopeCamera, reg.Scope("capture_frame"))
	assert.Equal(t, ScopeMicrophone, reg.Scope("record_audio"))
}

func TestCaptureFrameDeterministic(t *testing.T) {
	reg := simRegistry(t)
	ctx := context.Background()
	args := map[string]any{"seed": 7, "width": 64, "height": 48}

	a, err := reg.Invoke(ctx, "capture_frame", args)
	require.NoError(t, err)
	b, err := reg.Invoke(ctx, "capture_frame", args)
	require.NoError(t, err)

	assert.Equal(t, a["frame_bytes"], b["frame_bytes"])
	assert.Equal(t, "sim-frame-7", a["frame_id"])

	raw, err := base64.StdEncoding.DecodeString(a["frame_bytes"].(string))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	other, err := reg.Invoke(ctx, "capture_frame", map[string]any{"seed": 8, "width": 64, "height": 48})
	require.NoError(t, err)
	assert.NotEqual(t, a["frame_bytes"], other["frame_bytes"])
}

func TestCaptureFrameCounterWithoutSeed(t *testing.T) {
	reg := simRegistry(t)
	ctx := context.Background()

	first, err := reg.Invoke(ctx, "capture_frame", map[string]any{"width": 32, "height": 32})
	require.NoError(t, err)
	second, err := reg.Invoke(ctx, "capture_frame", map[string]any{"width": 32, "height": 32})
	require.NoError(t, err)

	assert.Equal(t, "sim-frame-0", first["frame_id"])
	assert.Equal(t, "sim-frame-1", second["frame_id"])
}

func TestRecordAudio(t *testing.T) {
	reg := simRegistry(t)
	ctx := context.Background()

	res, err := reg.Invoke(ctx, "record_audio", map[string]any{"duration": 0.5, "seed": 3})
	require.NoError(t, err)

	wav, err := base64.StdEncoding.DecodeString(res["audio_bytes"].(string))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(wav[:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	// 44 байта заголовка + 0.5 с * 16000 * 2 байта
	assert.Len(t, wav, 44+16000)

	again, err := reg.Invoke(ctx, "record_audio", map[string]any{"duration": 0.5, "seed": 3})
	require.NoError(t, err)
	assert.Equal(t, res["audio_bytes"], again["audio_bytes"])
}

func TestSensorArgumentBounds(t *testing.T) {
	reg := simRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"audio too short", "record_audio", map[string]any{"duration": 0.01}},
		{"audio too long", "record_audio", map[string]any{"duration": 61}},
		{"empty text", "say", map[string]any{"text": ""}},
		{"missing text", "say", map[string]any{}},
		{"loud", "say", map[string]any{"text": "hi", "volume": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Invoke(ctx, tt.tool, tt.args)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSay(t *testing.T) {
	reg := simRegistry(t)
	res, err := reg.Invoke(context.Background(), "say", map[string]any{"text": "привет"})
	require.NoError(t, err)
	assert.Equal(t, true, res["spoken"])
	assert.Equal(t, 6, res["length"])
	assert.Equal(t, 200, res["rate"])
}
