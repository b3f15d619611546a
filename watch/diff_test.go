package watch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffReplacedLastLine(t *testing.T) {
	d := Diff("a\nb\nc", "a\nb\nd", DefaultSampleSize)

	assert.Equal(t, []string{"d"}, d.Added)
	assert.Equal(t, []string{"c"}, d.Removed)
	assert.Equal(t, 1, d.TotalAdded)
	assert.Equal(t, 1, d.TotalRemoved)
}

func TestDiffIdenticalContent(t *testing.T) {
	d := Diff("x\ny", "x\ny", DefaultSampleSize)

	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Zero(t, d.TotalAdded)
	assert.Zero(t, d.TotalRemoved)
	assert.NotNil(t, d.Added, "samples should encode as [] not null")
}

func TestDiffIgnoresOrderAndKnownDuplicates(t *testing.T) {
	// "a" repeated in new already exists in old, so it is not added.
	d := Diff("a\nb", "b\na\na", DefaultSampleSize)

	assert.Zero(t, d.TotalAdded)
	assert.Zero(t, d.TotalRemoved)
}

func TestDiffCountsNewDuplicates(t *testing.T) {
	d := Diff("a", "a\nz\nz", DefaultSampleSize)

	assert.Equal(t, []string{"z", "z"}, d.Added)
	assert.Equal(t, 2, d.TotalAdded)
}

func TestDiffTruncatesSamples(t *testing.T) {
	var newLines []string
	for i := 0; i < 25; i++ {
		newLines = append(newLines, fmt.Sprintf("line %d", i))
	}
	d := Diff("", strings.Join(newLines, "\n"), 10)

	require.Len(t, d.Added, 10)
	assert.Equal(t, "line 0", d.Added[0])
	assert.Equal(t, 25, d.TotalAdded)
	// the single empty line of the old content is gone
	assert.Equal(t, 1, d.TotalRemoved)
}

func TestDiffDefaultsSampleSize(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, fmt.Sprint(i))
	}
	d := Diff("old", strings.Join(lines, "\n"), 0)
	assert.Len(t, d.Added, DefaultSampleSize)
}
