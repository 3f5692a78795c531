package connectors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// Scopes сенсоров по умолчанию.
const (
	ScopeCamera     = "camera"
	ScopeMicrophone = "microphone"
	ScopeSpeaker    = "speaker"
)

const (
	simSampleRate = 16000
	jpegQuality   = 85
)

// Simulator: детерминированные сенсоры без железа.
// Один и тот же seed дает побайтно одинаковый кадр или запись.
// Без seed используется счетчик, свой для камеры и микрофона.
type Simulator struct {
	frames atomic.Uint64
	clips  atomic.Uint64
}

func NewSimulator() *Simulator {
	return &Simulator{}
}

// Capabilities: определения для регистрации в каталоге.
func (s *Simulator) Capabilities() []*catalog.Builder {
	return []*catalog.Builder{
		catalog.Define("capture_frame").
			Describe("[SIMULATED] Capture deterministic frame from virtual camera").
			Sensitivity(domain.SensitivityMedium).
			Params(map[string]any{
				"camera_id": map[string]any{"type": "integer", "default": 0},
				"width":     map[string]any{"type": "integer", "default": 640, "minimum": 16, "maximum": 1920},
				"height":    map[string]any{"type": "integer", "default": 480, "minimum": 16, "maximum": 1080},
				"seed":      map[string]any{"type": "integer", "minimum": 0},
			}).
			Cost(50, false).
			Scope(ScopeCamera).
			Handle(s.captureFrame),

		catalog.Define("list_cameras").
			Describe("[SIMULATED] List virtual camera devices").
			Params(map[string]any{}).
			Cost(10, false).
			Handle(listCameras),

		catalog.Define("record_audio").
			Describe("[SIMULATED] Record deterministic audio from virtual microphone").
			Sensitivity(domain.SensitivityMedium).
			Params(map[string]any{
				"duration":   map[string]any{"type": "number", "default": 2.0, "minimum": 0.1, "maximum": 60},
				"samplerate": map[string]any{"type": "integer", "default": simSampleRate},
				"channels":   map[string]any{"type": "integer", "default": 1},
				"seed":       map[string]any{"type": "integer", "minimum": 0},
			}).
			Cost(100, false).
			Scope(ScopeMicrophone).
			Handle(s.recordAudio),

		catalog.Define("list_audio_devices").
			Describe("[SIMULATED] List virtual audio devices").
			Params(map[string]any{}).
			Cost(10, false).
			Handle(listAudioDevices),

		catalog.Define("say").
			Describe("[SIMULATED] Speak text using text-to-speech").
			Params(map[string]any{
				"text":   map[string]any{"type": "string", "minLength": 1, "maxLength": 1000},
				"rate":   map[string]any{"type": "integer", "default": 200},
				"volume": map[string]any{"type": "number", "default": 1.0, "minimum": 0.0, "maximum": 1.0},
			}, "text").
			Cost(500, false).
			Scope(ScopeSpeaker).
			Handle(say),

		catalog.Define("get_voices").
			Describe("[SIMULATED] List available TTS voices").
			Params(map[string]any{}).
			Cost(100, false).
			Handle(getVoices),
	}
}

func (s *Simulator) captureFrame(ctx context.Context, args map[string]any) (map[string]any, error) {
	width := intArg(args, "width", 640)
	height := intArg(args, "height", 480)
	seed, ok := uintArg(args, "seed")
	if !ok {
		seed = s.frames.Add(1) - 1
	}

	frame, err := proceduralFrame(width, height, seed)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"format":      "jpeg",
		"width":       width,
		"height":      height,
		"frame_id":    fmt.Sprintf("sim-frame-%d", seed),
		"frame_bytes": base64.StdEncoding.EncodeToString(frame),
		"metadata": map[string]any{
			"simulated": true,
			"seed":      seed,
			"camera_id": intArg(args, "camera_id", 0),
		},
	}, nil
}

func (s *Simulator) recordAudio(ctx context.Context, args map[string]any) (map[string]any, error) {
	duration := floatArg(args, "duration", 2.0)
	seed, ok := uintArg(args, "seed")
	if !ok {
		seed = s.clips.Add(1) - 1
	}

	wav := proceduralAudio("", duration, seed)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"format":       "wav",
		"duration_sec": duration,
		"samplerate":   simSampleRate,
		"channels":     1,
		"audio_id":     fmt.Sprintf("sim-audio-%d", seed),
		"audio_bytes":  base64.StdEncoding.EncodeToString(wav),
		"metadata": map[string]any{
			"simulated":          true,
			"seed":               seed,
			"requested_duration": duration,
		},
	}, nil
}

func listCameras(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"cameras": []any{
			map[string]any{"id": 0, "name": "Simulated Camera", "resolution": "640x480", "simulated": true},
		},
		"count": 1,
	}, nil
}

func listAudioDevices(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"input_devices": []any{
			map[string]any{"id": 0, "name": "Simulated Microphone", "channels": 1, "samplerate": simSampleRate, "simulated": true},
		},
		"output_devices": []any{
			map[string]any{"id": 0, "name": "Simulated Speaker", "channels": 2, "samplerate": 44100, "simulated": true},
		},
	}, nil
}

func say(_ context.Context, args map[string]any) (map[string]any, error) {
	text, _ := args["text"].(string)
	return map[string]any{
		"spoken":    true,
		"text":      text,
		"length":    len([]rune(text)),
		"rate":      intArg(args, "rate", 200),
		"volume":    floatArg(args, "volume", 1.0),
		"simulated": true,
	}, nil
}

func getVoices(context.Context, map[string]any) (map[string]any, error) {
	voices := []any{
		map[string]any{"id": "sim-en", "name": "Simulated English", "languages": []any{"en"}},
		map[string]any{"id": "sim-ru", "name": "Simulated Russian", "languages": []any{"ru"}},
	}
	return map[string]any{"voices": voices, "count": len(voices)}, nil
}

// proceduralFrame: шахматка, градиент по красному каналу, шум и метка seed в углу.
func proceduralFrame(width, height int, seed uint64) ([]byte, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	cell := int(seed%20) + 10
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			base := ((x/cell+y/cell)%2)*128 + 64
			grad := x * 255 / max(width-1, 1) / 2
			noise := rng.IntN(50) / 4
			img.SetRGBA(x, y, color.RGBA{
				R: clamp8(base + grad + noise),
				G: clamp8(base + noise),
				B: clamp8(base + noise),
				A: 255,
			})
		}
	}

	// Метка seed: белый квадрат 4x4
	for y := 10; y < min(14, height); y++ {
		for x := 10; x < min(14, width); x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// proceduralAudio: моно 16 кГц PCM16 WAV: затухающий тон 440+seed%100 Гц с шумом.
func proceduralAudio(text string, durationSec float64, seed uint64) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewPCG(seed, h.Sum64()))

	n := int(simSampleRate * durationSec)
	freq := 440 + float64(seed%100)

	pcm := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		t := float64(i) / simSampleRate
		env := 0.5 - 0.4*float64(i)/float64(max(n-1, 1))
		v := 0.3*env*math.Sin(2*math.Pi*freq*t) + 0.05*rng.NormFloat64()
		v = math.Max(-1, math.Min(1, v))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*32767)))
	}

	var buf bytes.Buffer
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(simSampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(simSampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func clamp8(v int) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

// Числа из JSON приходят как float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func uintArg(args map[string]any, key string) (uint64, bool) {
	switch v := args[key].(type) {
	case float64:
		if v >= 0 {
			return uint64(v), true
		}
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}
