package ratelimit

import (
	"encoding/json"
	"sort"
	"time"

	"botfleet/internal/storage"
)

// LedgerKey is the state document holding per-platform activity.
const LedgerKey = "platform_activity"

const joinedAtField = "joined_at"

// Ledger maps platform name onto its recorded activity.
type Ledger map[string]*Activity

// Activity holds successful-action timestamps per action plus the first
// time anything was recorded for the platform.
type Activity struct {
	JoinedAt *time.Time
	Actions  map[string][]time.Time
}

func newLedger() Ledger { return Ledger{} }

func (l Ledger) platform(name string) *Activity {
	a, ok := l[name]
	if !ok || a == nil {
		a = &Activity{Actions: map[string][]time.Time{}}
		l[name] = a
	}
	if a.Actions == nil {
		a.Actions = map[string][]time.Time{}
	}
	return a
}

// CountSince counts entries strictly after cutoff.
func (a *Activity) CountSince(action string, cutoff time.Time) int {
	if a == nil {
		return 0
	}
	n := 0
	for _, ts := range a.Actions[action] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (a *Activity) empty() bool {
	for _, entries := range a.Actions {
		if len(entries) > 0 {
			return false
		}
	}
	return true
}

// MarshalJSON writes {"<action>": [ts...], "joined_at": ts|null}.
func (a Activity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Actions)+1)
	for action, entries := range a.Actions {
		stamps := make([]string, len(entries))
		for i, ts := range entries {
			stamps[i] = ts.UTC().Format(time.RFC3339Nano)
		}
		out[action] = stamps
	}
	if a.JoinedAt != nil {
		out[joinedAtField] = a.JoinedAt.UTC().Format(time.RFC3339Nano)
	} else {
		out[joinedAtField] = nil
	}
	return json.Marshal(out)
}

// UnmarshalJSON skips timestamps it cannot parse instead of failing.
func (a *Activity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Actions = map[string][]time.Time{}
	a.JoinedAt = nil

	for key, value := range raw {
		if key == joinedAtField {
			var s *string
			if err := json.Unmarshal(value, &s); err == nil && s != nil {
				if ts, ok := storage.ParseTimestamp(*s); ok {
					a.JoinedAt = &ts
				}
			}
			continue
		}
		var stamps []string
		if err := json.Unmarshal(value, &stamps); err != nil {
			continue
		}
		entries := make([]time.Time, 0, len(stamps))
		for _, s := range stamps {
			if ts, ok := storage.ParseTimestamp(s); ok {
				entries = append(entries, ts)
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
		a.Actions[key] = entries
	}
	return nil
}
