package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// timeLayout is the storage format for timestamps. Fixed width so
// lexicographic order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// normalizeText converts free text to NFC so visually identical actor ids
// and comments compare equal in the audit log.
func normalizeText(s string) string {
	return norm.NFC.String(s)
}

// marshalJSON encodes v with HTML escaping disabled and no trailing newline.
// Map keys come out sorted, which keeps stored rows stable.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func marshalSessions(s map[fsm.Phase]fsm.DeviceSession) (string, error) {
	if len(s) == 0 {
		return "{}", nil
	}
	out, err := marshalJSON(s)
	if err != nil {
		return "", fmt.Errorf("marshal sessions: %w", err)
	}
	return out, nil
}

func unmarshalSessions(data string) (map[fsm.Phase]fsm.DeviceSession, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var s map[fsm.Phase]fsm.DeviceSession
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	return s, nil
}

func marshalAttempts(a map[fsm.Phase]int) (string, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	out, err := marshalJSON(a)
	if err != nil {
		return "", fmt.Errorf("marshal attempts: %w", err)
	}
	return out, nil
}

func unmarshalAttempts(data string) (map[fsm.Phase]int, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var a map[fsm.Phase]int
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
