package digests

import (
	"fmt"
	"strings"
	"unicode"
)

const MaxKeyLength = 200

// ValidateKey checks the <plugin>:<identifier> grammar of aggregation keys.
func ValidateKey(key string) error {
	if key == "" {
		return invalidKey(key, "empty")
	}
	if len(key) > MaxKeyLength {
		return invalidKey(key, "too long")
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalidKey(key, "contains whitespace or control characters")
		}
	}
	plugin, ident, ok := strings.Cut(key, ":")
	if !ok || ident == "" {
		return invalidKey(key, "want <plugin>:<identifier>")
	}
	if !validPlugin(plugin) {
		return invalidKey(key, "bad plugin name")
	}
	return nil
}

// PluginOf returns the plugin part of a key, or "" if there is none.
func PluginOf(key string) string {
	plugin, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return plugin
}

func validPlugin(p string) bool {
	if p == "" {
		return false
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// CheckRecord validates key and record before an add. An empty record key
// is filled in with the bucket key.
func CheckRecord(key string, r RawRecord) (RawRecord, error) {
	if err := ValidateKey(key); err != nil {
		return RawRecord{}, err
	}
	if r.Key == "" {
		r.Key = key
	}
	if r.Key != key {
		return RawRecord{}, invalidKey(r.Key, "record key does not match bucket "+key)
	}
	if _, ok := r.Datetime(); !ok {
		return RawRecord{}, fmt.Errorf("%w: timestamp %v out of range", ErrInvalidRecord, r.Timestamp)
	}
	return r, nil
}
