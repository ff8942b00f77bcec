package console

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/powermon/helpers/cli"
	"github.com/temoto/powermon/internal/sampler"
	"github.com/temoto/powermon/internal/state"
	"github.com/temoto/powermon/log2"
)

func newTestConsole(t testing.TB) (*Console, *state.Global, *bytes.Buffer) {
	log := log2.NewTest(t, log2.LDebug)
	fs := state.NewMockFullReader(map[string]string{
		"test-inline": fmt.Sprintf(`persist { root = "%s" } link { driver = "sim" }`, t.TempDir()),
	})
	ctx, g := state.NewContext(log)
	require.NoError(t, g.Init(ctx, state.MustReadConfig(log, fs, "test-inline")))
	t.Cleanup(func() { g.StopWait(5 * time.Second) })
	out := new(bytes.Buffer)
	return New(g, out), g, out
}

func TestConsole(t *testing.T) {
	t.Parallel()
	c, g, out := newTestConsole(t)

	cli.RunLines(strings.NewReader("help\n\n  snapshot \nbogus\n"), c.Execute)
	s := out.String()
	assert.Contains(t, s, "reconnect  clear backoff and reconnect now\n")
	assert.Contains(t, s, "error: valid snapshot not found\n")
	assert.Contains(t, s, "unknown command 'bogus', try help\n")

	out.Reset()
	g.Snapshot.Set(sampler.Snapshot{VoltageRms: 127.3, CurrentRms: 0.5, PerUnitVoltage: 1.002, Power: 63.6, TimestampMs: 2000, Valid: true})
	c.Execute("snapshot")
	assert.Equal(t, "V=127.30 V (PU=1.002) | I=0.500 A | P=63.6 W | t=2000 ms\n", out.String())

	out.Reset()
	c.Execute("status")
	assert.Contains(t, out.String(), "connected=false")
	assert.Contains(t, out.String(), "link disabled: link ssid not provisioned")

	out.Reset()
	c.Execute("time")
	assert.Contains(t, out.String(), "synced=false")
}
