package velocity

import (
	"encoding/json"
	"fmt"
	"time"

	"botfleet/internal/storage"
)

// DocumentKey is the state document holding the snapshot series.
const DocumentKey = "velocity_tracker"

// Snapshot is one capture of a ranked metric.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Agents    map[string]int64 `json:"agents"`
}

// UnmarshalJSON tolerates zone-less timestamps. An unparseable timestamp
// leaves Timestamp zero and Document drops the snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string           `json:"timestamp"`
		Agents    map[string]int64 `json:"agents"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Timestamp, _ = storage.ParseTimestamp(raw.Timestamp)
	s.Agents = raw.Agents
	if s.Agents == nil {
		s.Agents = map[string]int64{}
	}
	return nil
}

// HighScore is one entry of a per-window hall of fame.
type HighScore struct {
	Name        string    `json:"name"`
	Velocity    float64   `json:"velocity"`
	ViewsGained int64     `json:"views_gained"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// UnmarshalJSON tolerates zone-less timestamps.
func (h *HighScore) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string  `json:"name"`
		Velocity    float64 `json:"velocity"`
		ViewsGained int64   `json:"views_gained"`
		RecordedAt  string  `json:"recorded_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Name = raw.Name
	h.Velocity = raw.Velocity
	h.ViewsGained = raw.ViewsGained
	h.RecordedAt, _ = storage.ParseTimestamp(raw.RecordedAt)
	return nil
}

// Document is the persisted series.
type Document struct {
	Snapshots    []Snapshot             `json:"snapshots"`
	MaxSnapshots int                    `json:"max_snapshots"`
	Records      map[string][]HighScore `json:"records"`
}

// UnmarshalJSON drops snapshots that are not objects or carry no usable
// timestamp, keeping the rest of the series and the records.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		Snapshots    []json.RawMessage      `json:"snapshots"`
		MaxSnapshots int                    `json:"max_snapshots"`
		Records      map[string][]HighScore `json:"records"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.MaxSnapshots != 0 {
		d.MaxSnapshots = raw.MaxSnapshots
	}
	if raw.Records != nil {
		d.Records = raw.Records
	}
	d.Snapshots = make([]Snapshot, 0, len(raw.Snapshots))
	for _, body := range raw.Snapshots {
		var s Snapshot
		if err := json.Unmarshal(body, &s); err != nil || s.Timestamp.IsZero() {
			continue
		}
		d.Snapshots = append(d.Snapshots, s)
	}
	return nil
}

func newDocument() Document {
	return Document{
		Snapshots:    []Snapshot{},
		MaxSnapshots: 50,
		Records: map[string][]HighScore{
			RecordKey("1h"):  {},
			RecordKey("30m"): {},
		},
	}
}

// RecordKey names the hall of fame for a window label.
func RecordKey(label string) string {
	return "highest_velocity_" + label
}

// WindowLabel renders 1h, 30m, 90s style labels.
func WindowLabel(window time.Duration) string {
	switch {
	case window >= time.Hour && window%time.Hour == 0:
		return fmt.Sprintf("%dh", window/time.Hour)
	case window >= time.Minute && window%time.Minute == 0:
		return fmt.Sprintf("%dm", window/time.Minute)
	default:
		return window.String()
	}
}
