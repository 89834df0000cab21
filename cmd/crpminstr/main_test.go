package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSource = `package sample

type node struct {
	value int
}

// crpm:instrument
func store(n *node, v int) {
	n.value = v
}

func untouched(n *node, v int) {
	n.value = v
}
`

func TestInstrumentFileRewritesOnlyMarkedFunctions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))

	require.NoError(t, instrumentFile(path, true))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	rewritten := string(out)

	require.Contains(t, rewritten, `"crpm/pool"`)
	require.Contains(t, rewritten, `"unsafe"`)

	// Exactly one hook call: the marked function's assignment gains one,
	// the unmarked function's identical assignment must not.
	require.Equal(t, 1, countOccurrences(rewritten, "pool.AnnotateCheckpointRegion"))
	require.Equal(t, 2, countOccurrences(rewritten, "n.value = v"))
}

func TestInstrumentFileIsNoOpWithoutDirective(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.go")
	src := `package sample

func store(n *int, v int) {
	*n = v
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	require.NoError(t, instrumentFile(path, true))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, src, string(out))
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}
