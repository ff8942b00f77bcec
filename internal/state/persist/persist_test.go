package persist

import (
	"encoding/binary"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/powermon/log2"
)

type counter struct{ v uint64 }

func (c *counter) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, c.v)
	return b, nil
}

func (c *counter) UnmarshalBinary(b []byte) error {
	if len(b) != 8 {
		return errors.NotValidf("counter length=%d", len(b))
	}
	c.v = binary.BigEndian.Uint64(b)
	return nil
}

func TestPersistRoundtrip(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	root := t.TempDir()

	var p1 Persist
	c1 := &counter{v: 42}
	require.NoError(t, p1.Init("energy", c1, root, true, log))
	require.NoError(t, p1.Load()) // first boot, nothing stored
	assert.Equal(t, uint64(42), c1.v)
	require.NoError(t, p1.Store())

	var p2 Persist
	c2 := &counter{}
	require.NoError(t, p2.Init("energy", c2, root, true, log))
	require.NoError(t, p2.Load())
	assert.Equal(t, uint64(42), c2.v)
}

func TestPersistDisabled(t *testing.T) {
	t.Parallel()
	var p Persist
	c := &counter{v: 1}
	require.NoError(t, p.Init("energy", c, "", false, log2.NewTest(t, log2.LDebug)))
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Load())
	assert.NoError(t, p.Store())

	var p2 Persist
	assert.Error(t, p2.Init("energy", c, "", true, nil))
}
