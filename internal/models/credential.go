package models

import (
	"encoding/json"
	"strings"
	"unicode"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
)

const redactedMarker = "[redacted]"

// StreamKey is a platform stream key. Every formatting path renders a
// redaction marker; the raw value is only available through Reveal.
type StreamKey string

// Reveal returns the raw key.
func (k StreamKey) Reveal() string {
	return string(k)
}

// IsEmpty reports whether the key is blank after trimming whitespace.
func (k StreamKey) IsEmpty() bool {
	return strings.TrimSpace(string(k)) == ""
}

func (k StreamKey) String() string {
	if k == "" {
		return ""
	}
	return redactedMarker
}

func (k StreamKey) GoString() string {
	return `models.StreamKey("` + k.String() + `")`
}

func (k StreamKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k StreamKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the raw key; only the encoders redact.
func (k *StreamKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = StreamKey(raw)
	return nil
}

// Validate rejects keys that contain control characters.
func (k StreamKey) Validate() error {
	for _, r := range string(k) {
		if unicode.IsControl(r) {
			return relayerrors.ErrInvalidStreamKey
		}
	}
	return nil
}

// Masked renders a short hint of the key for settings listings, never more
// than the last four characters.
func (k StreamKey) Masked() string {
	raw := strings.TrimSpace(string(k))
	if raw == "" {
		return ""
	}
	runes := []rune(raw)
	if len(runes) <= 8 {
		return "****"
	}
	return "****" + string(runes[len(runes)-4:])
}

// PlatformCredential pairs a platform with its key.
type PlatformCredential struct {
	Platform Platform  `json:"platform"`
	Key      StreamKey `json:"key"`
}

// Enabled is derived from the key: a blank key disables the platform.
func (c PlatformCredential) Enabled() bool {
	return !c.Key.IsEmpty()
}

// CredentialSet holds at most one key per platform.
type CredentialSet map[Platform]StreamKey

// Enabled returns the enabled credentials in stable registry order with
// surrounding whitespace trimmed from each key.
func (s CredentialSet) Enabled() []PlatformCredential {
	platforms := make([]Platform, 0, len(s))
	for p, key := range s {
		if key.IsEmpty() {
			continue
		}
		platforms = append(platforms, p)
	}
	SortPlatforms(platforms)

	out := make([]PlatformCredential, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, PlatformCredential{
			Platform: p,
			Key:      StreamKey(strings.TrimSpace(string(s[p]))),
		})
	}
	return out
}

// Clone returns an independent copy of the set.
func (s CredentialSet) Clone() CredentialSet {
	out := make(CredentialSet, len(s))
	for p, k := range s {
		out[p] = k
	}
	return out
}
