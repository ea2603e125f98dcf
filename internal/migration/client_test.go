package migration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	n    int
	seq  uint64
	last bool
}

func runBatcher(t *testing.T, size, count int) []emitted {
	t.Helper()
	var out []emitted
	b := newBatcher(size, func(entries []DeltaSetEntry, seq uint64, last bool) error {
		out = append(out, emitted{n: len(entries), seq: seq, last: last})
		return nil
	})
	for i := 0; i < count; i++ {
		require.NoError(t, b.add(DeltaSetEntry{ID: fmt.Sprintf("o%d", i)}))
	}
	require.NoError(t, b.finish())
	return out
}

func TestBatcher(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		count int
		want  []emitted
	}{
		{"empty", 13, 0, []emitted{{0, 0, true}}},
		{"partial", 13, 4, []emitted{{4, 0, true}}},
		{"exact", 13, 13, []emitted{{13, 0, true}}},
		{"two full", 13, 26, []emitted{{13, 0, false}, {13, 1, true}}},
		{"thirty", 13, 30, []emitted{{13, 0, false}, {13, 1, false}, {4, 2, true}}},
		{"size one", 1, 3, []emitted{{1, 0, false}, {1, 1, false}, {1, 2, true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runBatcher(t, tt.size, tt.count))
		})
	}
}

func TestBatcher_EmitErrorStops(t *testing.T) {
	calls := 0
	b := newBatcher(2, func([]DeltaSetEntry, uint64, bool) error {
		calls++
		return fmt.Errorf("send failed")
	})
	require.NoError(t, b.add(DeltaSetEntry{ID: "a"}))
	require.NoError(t, b.add(DeltaSetEntry{ID: "b"}))
	require.NoError(t, b.add(DeltaSetEntry{ID: "c"}))
	assert.Error(t, b.add(DeltaSetEntry{ID: "d"}))
	assert.Equal(t, 1, calls)
}

func TestChunkFilter(t *testing.T) {
	var entries []FilterEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, FilterEntry{ID: fmt.Sprintf("id-%02d", i), Version: uint64(i)})
	}

	chunks := chunkFilter(entries, 4, false)
	require.Len(t, chunks, 3)

	assert.Equal(t, "", chunks[0].Start)
	assert.Equal(t, "id-04", chunks[0].End)
	assert.Equal(t, "id-04", chunks[1].Start)
	assert.Equal(t, "id-08", chunks[1].End)
	assert.Equal(t, "id-08", chunks[2].Start)
	assert.Equal(t, "", chunks[2].End)

	for i, c := range chunks {
		assert.Equal(t, uint64(i), c.Seq)
		assert.Equal(t, i == 2, c.Last)
		for _, e := range c.Entries {
			assert.GreaterOrEqual(t, e.ID, c.Start)
			if c.End != "" {
				assert.Less(t, e.ID, c.End)
			}
		}
	}
	assert.Len(t, chunks[2].Entries, 2)
}

func TestChunkFilter_Empty(t *testing.T) {
	chunks := chunkFilter(nil, 4, true)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Last)
	assert.True(t, chunks[0].SingleRound)
	assert.Empty(t, chunks[0].Start)
	assert.Empty(t, chunks[0].End)
}

func TestImportFilter(t *testing.T) {
	f := NewImportFilter(1024)
	assert.False(t, f.Has("a"))
	f.Insert("a")
	f.Insert("a")
	assert.True(t, f.Has("a"))
	assert.Equal(t, uint(1), f.Count())

	// A duplicate does not saturate the filter.
	assert.False(t, f.Has("b"))
}

func TestDeltaSet_LastInRound(t *testing.T) {
	assert.True(t, (&DeltaSet{FilterLast: true, SeqLast: true}).LastInRound())
	assert.False(t, (&DeltaSet{FilterLast: true}).LastInRound())
	assert.False(t, (&DeltaSet{SeqLast: true}).LastInRound())
}
