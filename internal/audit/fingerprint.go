package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// FingerprintLen: длина отпечатка в hex-символах.
const FingerprintLen = 8

// Fingerprint считает sha256 от канонического JSON значения и обрезает до 8 символов.
// Канонизация: прогон через JSON, после которого ключи всех объектов отсортированы,
// а числа приведены к одному представлению.
func Fingerprint(v any) string {
	canon, err := canonicalJSON(v)
	if err != nil {
		canon = []byte("null")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
