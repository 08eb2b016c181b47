package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guochan007/imoocHadoop/map_reduce"
)

func TestSorted(t *testing.T) {
	counts := map[string]int64{"the": 2, "quick": 1, "fox": 1, "dog": 1}

	tests := []struct {
		name  string
		order Order
		want  []map_reduce.KeyValue
	}{
		{
			name:  "by key",
			order: ByKey,
			want:  []map_reduce.KeyValue{{Key: "dog", Value: 1}, {Key: "fox", Value: 1}, {Key: "quick", Value: 1}, {Key: "the", Value: 2}},
		},
		{
			name:  "by count",
			order: ByCount,
			want:  []map_reduce.KeyValue{{Key: "the", Value: 2}, {Key: "dog", Value: 1}, {Key: "fox", Value: 1}, {Key: "quick", Value: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Sorted(counts, tt.order))
		})
	}

	require.ElementsMatch(t, tests[0].want, Sorted(counts, Unsorted))
	require.Empty(t, Sorted(nil, ByKey))
}

func TestParseOrder(t *testing.T) {
	for _, o := range []Order{ByKey, ByCount, Unsorted} {
		got, err := ParseOrder(o.String())
		require.NoError(t, err)
		require.Equal(t, o, got)
	}
	_, err := ParseOrder("random")
	require.Error(t, err)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []map_reduce.KeyValue{{Key: "a", Value: 3}, {Key: "b,", Value: 1}})
	require.NoError(t, err)
	require.Equal(t, "a\t3\nb,\t1\n", buf.String())
}

func TestOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	out, err := Create(dir)
	require.NoError(t, err)

	require.NoError(t, out.WritePart(0, []map_reduce.KeyValue{{Key: "a", Value: 3}}))
	require.NoError(t, out.WritePart(1, nil))
	require.NoError(t, out.Commit())

	data, err := os.ReadFile(filepath.Join(dir, "part-r-00000"))
	require.NoError(t, err)
	require.Equal(t, "a\t3\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{SuccessMarker, "part-r-00000", "part-r-00001"}, names)

	_, err = Create(dir)
	require.ErrorIs(t, err, ErrOutputExists)
}
