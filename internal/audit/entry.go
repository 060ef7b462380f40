// Package audit keeps a tamper-evident journal of login activity. Entries
// are hash chained: each stores the hash of its predecessor, so editing or
// deleting a row breaks verification from that point on.
//
// The journal records who did what and when. It never stores login codes,
// passwords, code hashes or API credentials.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType identifies the kind of journal entry.
type EventType string

const (
	CodeRequested     EventType = "code_requested"
	PasswordRequired  EventType = "password_required"
	SignedIn          EventType = "signed_in"
	Failed            EventType = "failed"
	FloodWait         EventType = "flood_wait"
	Cancelled         EventType = "cancelled"
	ContainerCreated  EventType = "container_created"
	ContainerReleased EventType = "container_released"
	Swept             EventType = "swept"
)

// FirstSequence is the sequence number of the first entry.
const FirstSequence uint64 = 1

// Event is what callers record.
type Event struct {
	Type    EventType `json:"type"`
	UserKey string    `json:"user,omitempty"`
	// Attempt groups the events of one login flow.
	Attempt   string `json:"attempt,omitempty"`
	Container string `json:"container,omitempty"`
	// Phone is masked to its last two digits.
	Phone             string `json:"phone,omitempty"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_s,omitempty"`
}

// Entry is a stored, hash-chained event.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev"`
	Hash      string    `json:"hash"`

	// raw is the exact event JSON that was hashed.
	raw []byte
}

func newEntry(seq uint64, prev string, ev Event, ts time.Time) (*Entry, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	e := &Entry{Sequence: seq, Timestamp: ts, Event: ev, PrevHash: prev, raw: raw}
	e.Hash = e.computeHash()
	return e, nil
}

// computeHash is SHA-256 over seq (8 bytes, big endian), the RFC 3339
// timestamp, the previous hash and the event JSON.
func (e *Entry) computeHash() string {
	h := sha256.New()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	h.Write(seq[:])
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.PrevHash))
	h.Write(e.raw)
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether the entry's hash matches its content.
func (e *Entry) Valid() bool {
	return e.Hash == e.computeHash()
}

// MaskPhone keeps only the last two digits of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 2 {
		return "**"
	}
	masked := make([]byte, len(phone))
	for i := range phone {
		switch {
		case i >= len(phone)-2, phone[i] == '+':
			masked[i] = phone[i]
		default:
			masked[i] = '*'
		}
	}
	return string(masked)
}
