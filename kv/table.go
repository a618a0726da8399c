package kv

import (
	"encoding/json"

	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[Key, json.RawMessage]

// table is the committed key space, ordered by key. Keys are allocated
// monotonically, so key order is insertion order.
//
// A published table is only mutated under the engine's commit lock. Commit
// builds a clone and swaps it in, so readers never observe half a commit.
type table struct {
	m *orderedMap
}

func newTable() *table {
	return &table{m: skipmap.NewFunc[Key, json.RawMessage](func(a, b Key) bool {
		return a < b
	})}
}

func (t *table) get(k Key) (json.RawMessage, bool) { return t.m.Load(k) }

func (t *table) has(k Key) bool {
	_, ok := t.m.Load(k)
	return ok
}

func (t *table) put(k Key, v json.RawMessage) { t.m.Store(k, v) }

func (t *table) remove(k Key) { t.m.Delete(k) }

func (t *table) len() int { return t.m.Len() }

// each visits entries in ascending key order until fn returns false.
func (t *table) each(fn func(Key, json.RawMessage) bool) { t.m.Range(fn) }

func (t *table) values() []json.RawMessage {
	out := make([]json.RawMessage, 0, t.len())
	t.each(func(_ Key, v json.RawMessage) bool {
		out = append(out, v)
		return true
	})
	return out
}

func (t *table) clone() *table {
	c := newTable()
	t.each(func(k Key, v json.RawMessage) bool {
		c.put(k, v)
		return true
	})
	return c
}
