package search

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLTrace_AppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr := NewJSONLTrace(path)
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Log(map[string]any{"query": "first", "kept": 3}))
	require.NoError(t, tr.Log(map[string]any{"query": "second", "kept": 0}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}

	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0]["query"])
	assert.Equal(t, "second", entries[1]["query"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestJSONLTrace_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr := NewJSONLTrace(path)
	defer func() { _ = tr.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = tr.Log(map[string]any{"n": n})
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines++
	}
	assert.Equal(t, 20, lines)
}

func TestNopTrace(t *testing.T) {
	tr := NopTrace{}
	assert.NoError(t, tr.Log(map[string]any{"query": "ignored"}))
	assert.NoError(t, tr.Close())
}
