package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestChunkWordsSixHundredWords(t *testing.T) {
	chunks, err := ChunkWords(words(600), 500, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	require.Len(t, first, 500)
	require.Equal(t, "w0", first[0])
	require.Equal(t, "w499", first[499])
	require.Len(t, second, 200)
	require.Equal(t, "w400", second[0])
	require.Equal(t, "w599", second[199])
}

func TestChunkWordsCoverage(t *testing.T) {
	cases := []struct{ n, window, overlap int }{
		{1, 5, 0}, {7, 5, 2}, {10, 5, 4}, {900, 500, 100}, {1000, 500, 100}, {37, 6, 3},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d_%d_%d", c.n, c.window, c.overlap), func(t *testing.T) {
			chunks, err := ChunkWords(words(c.n), c.window, c.overlap)
			require.NoError(t, err)
			step := c.window - c.overlap
			require.Len(t, chunks, (c.n+step-1)/step)

			seen := make([]int, c.n)
			for i, ch := range chunks {
				fields := strings.Fields(ch)
				require.LessOrEqual(t, len(fields), c.window)
				require.Equal(t, fmt.Sprintf("w%d", i*step), fields[0])
				for j := range fields {
					seen[i*step+j]++
				}
			}
			for i, n := range seen {
				require.GreaterOrEqual(t, n, 1, "word %d not covered", i)
			}
			if c.overlap > step {
				return
			}
			// Words outside an overlap region appear exactly once.
			for i, n := range seen {
				want := 2
				if i < step || i%step >= c.overlap {
					want = 1
				}
				require.Equal(t, want, n, "word %d", i)
			}
		})
	}
}

func TestChunkWordsRejectsInvalidWindow(t *testing.T) {
	for _, c := range [][2]int{{100, 100}, {100, 150}, {0, 0}, {10, -1}} {
		_, err := ChunkWords("a b c", c[0], c[1])
		require.True(t, errors.Is(err, ErrInvalidWindow), "window=%d overlap=%d", c[0], c[1])
		require.True(t, errors.Is(err, ErrValidation))
	}
}

func TestChunkWordsEmpty(t *testing.T) {
	chunks, err := ChunkWords("  \n\t ", 500, 100)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
