package kv

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Kind names an operation variant in the log.
type Kind string

const (
	KindCreate Kind = "create"
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
)

// Operation is one staged, reversible mutation. The set of variants is
// closed: *CreateOp, *SetOp and *DeleteOp.
//
// Execute and Undo are idempotent. Executing twice leaves the overlay as
// after one Execute, and the same holds for Undo, so rollback can retry.
type Operation interface {
	Kind() Kind

	// LSN reports the sequence number, assigned on first Execute unless
	// the operation was decoded from the log.
	LSN() (LSN, bool)

	Execute(tx *Transaction) error
	Undo(tx *Transaction) error

	// Record is the log form of the operation.
	Record() Record

	operation()
}

// Record is the serialized shape of an operation inside a log entry.
type Record struct {
	Operation     Kind            `json:"operation"`
	Key           *Key            `json:"key,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	PreviousValue json.RawMessage `json:"previous_value,omitempty"`
}

// lsnSlot is embedded by every variant.
type lsnSlot struct {
	lsn    LSN
	hasLSN bool
}

func (s *lsnSlot) LSN() (LSN, bool) { return s.lsn, s.hasLSN }

func (s *lsnSlot) stamp(tx *Transaction) {
	if !s.hasLSN {
		s.lsn = tx.engine.NextLSN()
		s.hasLSN = true
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateOp writes a value under a freshly reserved key.
type CreateOp struct {
	lsnSlot
	key    Key
	hasKey bool
	value  json.RawMessage
}

// NewCreate returns a Create whose key is reserved on first Execute.
func NewCreate(value json.RawMessage) *CreateOp {
	return &CreateOp{value: value}
}

func (*CreateOp) operation()         {}
func (*CreateOp) Kind() Kind         { return KindCreate }
func (o *CreateOp) Key() (Key, bool) { return o.key, o.hasKey }

func (o *CreateOp) Execute(tx *Transaction) error {
	if !o.hasKey {
		o.key = tx.reserveKey()
		o.hasKey = true
	}
	o.stamp(tx)
	tx.overlay.put(o.key, o.value)
	return nil
}

func (o *CreateOp) Undo(tx *Transaction) error {
	if o.hasKey {
		tx.overlay.forget(o.key)
	}
	return nil
}

func (o *CreateOp) Record() Record {
	r := Record{Operation: KindCreate, Value: o.value}
	if o.hasKey {
		k := o.key
		r.Key = &k
	}
	return r
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

// SetOp replaces the value of an existing key.
type SetOp struct {
	lsnSlot
	key      Key
	value    json.RawMessage
	previous json.RawMessage // nil until captured
}

func NewSet(key Key, value json.RawMessage) *SetOp {
	return &SetOp{key: key, value: value}
}

func (*SetOp) operation() {}
func (*SetOp) Kind() Kind { return KindSet }
func (o *SetOp) Key() Key { return o.key }

// Previous is the value captured on first Execute, or nil.
func (o *SetOp) Previous() json.RawMessage { return o.previous }

func (o *SetOp) Execute(tx *Transaction) error {
	if o.previous == nil {
		prev, ok := tx.Get(o.key)
		if !ok {
			return errors.Wrapf(ErrInvalidOperation,
				"set key %d: key does not exist, use create instead", o.key)
		}
		o.previous = prev
	}
	o.stamp(tx)
	tx.overlay.put(o.key, o.value)
	return nil
}

func (o *SetOp) Undo(tx *Transaction) error {
	if o.previous != nil {
		tx.overlay.put(o.key, o.previous)
	}
	return nil
}

func (o *SetOp) Record() Record {
	k := o.key
	return Record{Operation: KindSet, Key: &k, Value: o.value, PreviousValue: o.previous}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

// DeleteOp tombstones an existing key.
type DeleteOp struct {
	lsnSlot
	key      Key
	previous json.RawMessage
}

func NewDelete(key Key) *DeleteOp {
	return &DeleteOp{key: key}
}

func (*DeleteOp) operation() {}
func (*DeleteOp) Kind() Kind { return KindDelete }
func (o *DeleteOp) Key() Key { return o.key }

func (o *DeleteOp) Previous() json.RawMessage { return o.previous }

func (o *DeleteOp) Execute(tx *Transaction) error {
	if o.previous == nil {
		prev, ok := tx.Get(o.key)
		if !ok {
			return errors.Wrapf(ErrInvalidOperation, "delete key %d: key does not exist", o.key)
		}
		o.previous = prev
	}
	o.stamp(tx)
	tx.overlay.tombstone(o.key)
	return nil
}

func (o *DeleteOp) Undo(tx *Transaction) error {
	if o.previous == nil {
		return errors.Wrapf(ErrInvalidOperation, "undo delete key %d: no previous value", o.key)
	}
	tx.overlay.put(o.key, o.previous)
	return nil
}

func (o *DeleteOp) Record() Record {
	k := o.key
	return Record{Operation: KindDelete, Key: &k, PreviousValue: o.previous}
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// DecodeOperation rebuilds an operation from its log record. The LSN and
// any previous value are restored, so Execute and Undo behave exactly as
// they did before encoding.
func DecodeOperation(lsn LSN, r Record) (Operation, error) {
	slot := lsnSlot{lsn: lsn, hasLSN: true}

	switch r.Operation {
	case KindCreate:
		if err := checkValue(r.Value); err != nil {
			return nil, errors.Wrapf(ErrLogCorrupt, "lsn %d: create without a value", lsn)
		}
		op := &CreateOp{lsnSlot: slot, value: r.Value}
		if r.Key != nil {
			op.key, op.hasKey = *r.Key, true
		}
		return op, nil

	case KindSet:
		if r.Key == nil || checkValue(r.Value) != nil {
			return nil, errors.Wrapf(ErrLogCorrupt, "lsn %d: set needs a key and a value", lsn)
		}
		return &SetOp{lsnSlot: slot, key: *r.Key, value: r.Value, previous: r.PreviousValue}, nil

	case KindDelete:
		if r.Key == nil {
			return nil, errors.Wrapf(ErrLogCorrupt, "lsn %d: delete needs a key", lsn)
		}
		return &DeleteOp{lsnSlot: slot, key: *r.Key, previous: r.PreviousValue}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownOperation, "lsn %d: %q", lsn, r.Operation)
	}
}
