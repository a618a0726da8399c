package kv

import (
	"encoding/json"
	"slices"
)

// Resolution says how the overlay answers a read for one key.
type Resolution uint8

const (
	// Inherited means the overlay has no opinion; read the committed table.
	Inherited Resolution = iota
	// Present means the overlay holds a pending value.
	Present
	// Tombstoned means the key is pending deletion and reads as absent.
	Tombstoned
)

func (r Resolution) String() string {
	switch r {
	case Present:
		return "present"
	case Tombstoned:
		return "tombstoned"
	default:
		return "inherited"
	}
}

type slot struct {
	res   Resolution
	value json.RawMessage
}

// Overlay holds the pending changes of one transaction. It is owned by the
// transaction and handed to each operation on Execute and Undo.
type Overlay struct {
	slots map[Key]slot
}

func newOverlay() *Overlay {
	return &Overlay{slots: make(map[Key]slot)}
}

// Lookup reports the pending state of k. The value is only set for Present.
func (o *Overlay) Lookup(k Key) (json.RawMessage, Resolution) {
	s, ok := o.slots[k]
	if !ok {
		return nil, Inherited
	}
	return s.value, s.res
}

func (o *Overlay) put(k Key, v json.RawMessage) {
	o.slots[k] = slot{res: Present, value: v}
}

func (o *Overlay) tombstone(k Key) {
	o.slots[k] = slot{res: Tombstoned}
}

// forget reverts k to Inherited.
func (o *Overlay) forget(k Key) {
	delete(o.slots, k)
}

// Len is the number of keys with a pending change.
func (o *Overlay) Len() int { return len(o.slots) }

// keys returns the overlay keys in ascending order.
func (o *Overlay) keys() []Key {
	ks := make([]Key, 0, len(o.slots))
	for k := range o.slots {
		ks = append(ks, k)
	}
	slices.Sort(ks)
	return ks
}
