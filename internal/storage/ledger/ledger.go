// Package ledger implements the ordered id list that bounds the persisted
// message history. The serialized form is the delimiter-joined list with a
// trailing delimiter ("a,b,c,"), the format the mobile plugins persist.
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates ids in the serialized ledger.
	Delimiter = ","
	// DefaultCapacity is the number of messages kept before FIFO eviction.
	DefaultCapacity = 20
	// Key is the store key the serialized ledger lives under.
	Key = "notification_ids"
)

// ErrInvalidID is returned for ids the ledger cannot represent.
var ErrInvalidID = errors.New("invalid message id")

// ValidateID rejects empty ids and ids containing the delimiter.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, Delimiter)
	}
	return nil
}

// Ledger is an insertion-ordered list of unique ids.
type Ledger struct {
	ids []string
}

// Parse reads a serialized ledger. Empty segments are skipped and repeated
// ids keep their first position, so ledgers written by older clients with
// duplicate entries collapse to a consistent list.
func Parse(s string) *Ledger {
	l := &Ledger{}
	for _, id := range strings.Split(s, Delimiter) {
		if id == "" || l.Contains(id) {
			continue
		}
		l.ids = append(l.ids, id)
	}
	return l
}

func (l *Ledger) String() string {
	if len(l.ids) == 0 {
		return ""
	}
	return strings.Join(l.ids, Delimiter) + Delimiter
}

func (l *Ledger) IDs() []string {
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func (l *Ledger) Len() int { return len(l.ids) }

func (l *Ledger) Contains(id string) bool {
	for _, existing := range l.ids {
		if existing == id {
			return true
		}
	}
	return false
}

// Append adds id at the tail unless it is already present, then pops from
// the head until at most capacity ids remain. The popped ids are returned
// oldest first. A capacity <= 0 means DefaultCapacity.
func (l *Ledger) Append(id string, capacity int) []string {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if !l.Contains(id) {
		l.ids = append(l.ids, id)
	}
	var evicted []string
	for len(l.ids) > capacity {
		evicted = append(evicted, l.ids[0])
		l.ids = l.ids[1:]
	}
	return evicted
}

// Remove drops id and reports whether it was present.
func (l *Ledger) Remove(id string) bool {
	for i, existing := range l.ids {
		if existing == id {
			l.ids = append(l.ids[:i:i], l.ids[i+1:]...)
			return true
		}
	}
	return false
}
