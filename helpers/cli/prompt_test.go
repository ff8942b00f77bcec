package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunLines(t *testing.T) {
	t.Parallel()
	var got []string
	RunLines(strings.NewReader("status\n\n  publish  \r\nsync"), func(line string) { got = append(got, line) })
	assert.Equal(t, []string{"status", "publish", "sync"}, got)
}
