package shardy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryHeadsForRank(t *testing.T) {
	t.Run("one head per rank", func(t *testing.T) {
		for rank := 0; rank < 8; rank++ {
			got, err := QueryHeadsForRank(8, rank, 8, 2, 4)
			require.NoError(t, err)
			assert.Equal(t, []int{4*(rank%2) + rank/2}, got, "rank %d", rank)
		}
	})

	t.Run("four heads per rank", func(t *testing.T) {
		for rank := 0; rank < 8; rank++ {
			got, err := QueryHeadsForRank(8, rank, 32, 4, 2)
			require.NoError(t, err)
			base := 8*(rank%4) + 4*(rank/4)
			assert.Equal(t, []int{base, base + 1, base + 2, base + 3}, got, "rank %d", rank)
		}
	})

	t.Run("half groups", func(t *testing.T) {
		want := [][]int{{0, 1}, {4, 5}, {2, 3}, {6, 7}}
		for rank, w := range want {
			got, err := QueryHeadsForRank(4, rank, 8, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, w, got, "rank %d", rank)
		}
	})

	t.Run("no replication is contiguous", func(t *testing.T) {
		for rank := 0; rank < 2; rank++ {
			got, err := QueryHeadsForRank(2, rank, 4, 4, 1)
			require.NoError(t, err)
			assert.Equal(t, []int{2 * rank, 2*rank + 1}, got)
		}
	})

	t.Run("every head exactly once", func(t *testing.T) {
		seen := make(map[int]int)
		for rank := 0; rank < 8; rank++ {
			got, err := QueryHeadsForRank(8, rank, 32, 4, 2)
			require.NoError(t, err)
			for _, head := range got {
				seen[head]++
			}
		}
		require.Len(t, seen, 32)
		for head, count := range seen {
			assert.Equal(t, 1, count, "head %d", head)
		}
	})
}

func TestCheckGQADivisibility(t *testing.T) {
	testCases := []struct {
		name                         string
		tp, heads, kvHeads, multiple int
		wantErr                      bool
	}{
		{"valid", 8, 32, 4, 2, false},
		{"kv not dividing heads", 4, 8, 3, 4, true},
		{"heads not dividing tp", 3, 8, 2, 3, true},
		{"replicated kv not dividing tp", 8, 16, 2, 3, true},
		{"zero multiplier", 8, 16, 2, 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckGQADivisibility(tc.tp, tc.heads, tc.kvHeads, tc.multiple)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
	_, err := QueryHeadsForRank(8, 8, 32, 4, 2)
	require.Error(t, err)
}
