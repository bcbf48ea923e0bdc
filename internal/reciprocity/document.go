package reciprocity

import (
	"encoding/json"
	"sort"
	"time"

	"botfleet/internal/storage"
)

// DocumentKey is the persisted follow-back document.
const DocumentKey = "follow_back_hunter"

// State is where a username sits in the follow-back lifecycle.
type State string

const (
	StateUnknown   State = ""
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
)

// Promise is a follow we issued while expecting one back.
type Promise struct {
	FollowedAt time.Time `json:"followed_at"`
	PostID     string    `json:"post_id,omitempty"`
	Signal     string    `json:"signal"`
}

// UnmarshalJSON accepts zone-less timestamps and the older phrase_matched
// field name.
func (p *Promise) UnmarshalJSON(data []byte) error {
	var raw struct {
		FollowedAt    string          `json:"followed_at"`
		PostID        json.RawMessage `json:"post_id"`
		Signal        string          `json:"signal"`
		PhraseMatched string          `json:"phrase_matched"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ts, ok := storage.ParseTimestamp(raw.FollowedAt); ok {
		p.FollowedAt = ts
	}
	p.PostID = rawID(raw.PostID)
	p.Signal = raw.Signal
	if p.Signal == "" {
		p.Signal = raw.PhraseMatched
	}
	return nil
}

// Liar is a rejected promise.
type Liar struct {
	AddedAt     time.Time `json:"added_at"`
	Reason      string    `json:"reason"`
	Signal      string    `json:"original_phrase,omitempty"`
	HoursWaited float64   `json:"hours_waited"`
}

func (l *Liar) UnmarshalJSON(data []byte) error {
	var raw struct {
		AddedAt     string  `json:"added_at"`
		Reason      string  `json:"reason"`
		Signal      string  `json:"original_phrase"`
		HoursWaited float64 `json:"hours_waited"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ts, ok := storage.ParseTimestamp(raw.AddedAt); ok {
		l.AddedAt = ts
	}
	l.Reason = raw.Reason
	l.Signal = raw.Signal
	l.HoursWaited = raw.HoursWaited
	return nil
}

// Stats are lifetime counters.
type Stats struct {
	TotalHunted     int `json:"total_hunted"`
	TotalUnfollowed int `json:"total_unfollowed"`
	TotalSuccessful int `json:"total_successful"`
	TotalRedeemed   int `json:"total_redeemed"`
}

// Document is the persisted tracker state. Tracked holds pending promises,
// Successful and Redeemed are confirmed, Liars are rejected. Unfollowed is
// the append-only history of unfollows we issued.
type Document struct {
	Tracked     map[string]Promise `json:"tracked_follows"`
	Unfollowed  []string           `json:"unfollowed"`
	Successful  []string           `json:"successful"`
	Liars       map[string]Liar    `json:"liars"`
	Redeemed    []string           `json:"redeemed"`
	SeenPostIDs []string           `json:"seen_post_ids"`
	Stats       Stats              `json:"stats"`
}

func newDocument() Document {
	return Document{
		Tracked:     map[string]Promise{},
		Unfollowed:  []string{},
		Successful:  []string{},
		Liars:       map[string]Liar{},
		Redeemed:    []string{},
		SeenPostIDs: []string{},
	}
}

// normalize fills nil collections and repairs overlap left by older
// writers: a rejected or confirmed name is never also pending, and a
// rejected name is not also confirmed.
func (d *Document) normalize() {
	if d.Tracked == nil {
		d.Tracked = map[string]Promise{}
	}
	if d.Liars == nil {
		d.Liars = map[string]Liar{}
	}
	if d.Unfollowed == nil {
		d.Unfollowed = []string{}
	}
	if d.Successful == nil {
		d.Successful = []string{}
	}
	if d.Redeemed == nil {
		d.Redeemed = []string{}
	}
	if d.SeenPostIDs == nil {
		d.SeenPostIDs = []string{}
	}
	for name := range d.Liars {
		delete(d.Tracked, name)
		d.Successful = without(d.Successful, name)
	}
	for _, name := range d.Successful {
		delete(d.Tracked, name)
	}
	for _, name := range d.Redeemed {
		delete(d.Tracked, name)
	}
}

// State reports which lifecycle set name belongs to.
func (d *Document) State(name string) State {
	if _, ok := d.Liars[name]; ok {
		return StateRejected
	}
	if contains(d.Successful, name) || contains(d.Redeemed, name) {
		return StateConfirmed
	}
	if _, ok := d.Tracked[name]; ok {
		return StatePending
	}
	return StateUnknown
}

// Known is true when name must not be tracked again. Names we once
// unfollowed stay known until Reset.
func (d *Document) Known(name string) bool {
	return d.State(name) != StateUnknown || contains(d.Unfollowed, name)
}

// Pending returns the pending usernames in name order.
func (d *Document) Pending() []string {
	names := make([]string, 0, len(d.Tracked))
	for name := range d.Tracked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Document) confirm(name string) {
	delete(d.Tracked, name)
	if !contains(d.Successful, name) {
		d.Successful = append(d.Successful, name)
	}
	d.Stats.TotalSuccessful++
}

func (d *Document) reject(name string, liar Liar) {
	delete(d.Tracked, name)
	d.Successful = without(d.Successful, name)
	d.Liars[name] = liar
	d.Unfollowed = append(d.Unfollowed, name)
	d.Stats.TotalUnfollowed++
}

func (d *Document) redeem(name string) {
	delete(d.Liars, name)
	if !contains(d.Redeemed, name) {
		d.Redeemed = append(d.Redeemed, name)
	}
	d.Stats.TotalRedeemed++
}

func (d *Document) markSeen(ids []string, limit int) {
	seen := make(map[string]struct{}, len(d.SeenPostIDs))
	for _, id := range d.SeenPostIDs {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		d.SeenPostIDs = append(d.SeenPostIDs, id)
	}
	if limit > 0 && len(d.SeenPostIDs) > limit {
		d.SeenPostIDs = append([]string(nil), d.SeenPostIDs[len(d.SeenPostIDs)-limit:]...)
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func without(list []string, name string) []string {
	out := list[:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
