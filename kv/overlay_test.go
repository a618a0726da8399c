package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlayResolution(t *testing.T) {
	o := newOverlay()

	_, res := o.Lookup(1)
	assert.Equal(t, Inherited, res)

	o.put(1, str("v"))
	v, res := o.Lookup(1)
	assert.Equal(t, Present, res)
	assert.Equal(t, str("v"), v)

	o.tombstone(1)
	v, res = o.Lookup(1)
	assert.Equal(t, Tombstoned, res)
	assert.Nil(t, v)

	o.put(3, str("x"))
	o.put(2, str("y"))
	assert.Equal(t, []Key{1, 2, 3}, o.keys())

	o.forget(1)
	_, res = o.Lookup(1)
	assert.Equal(t, Inherited, res)
	assert.Equal(t, 2, o.Len())
	assert.Equal(t, "tombstoned", Tombstoned.String())
}
