package markov

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	return s
}

func TestTrainThenGenerateIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	corpus := strings.NewReader("the quick fox jumps. the quick fox runs. the slow fox sleeps.")
	require.NoError(t, Train(s, corpus, 0))

	words, transitions, err := s.LoadAll()
	require.NoError(t, err)
	require.NotEmpty(t, transitions)

	idx := BuildIndex(words, transitions)
	require.False(t, idx.Empty())

	a := idx.Generate(42, 3, 10, 100)
	b := idx.Generate(42, 3, 10, 100)
	require.Equal(t, a, b)

	c := idx.Generate(43, 3, 10, 100)
	require.NotEqual(t, a, c)
}

func TestGenerateFallsBackWhenEmpty(t *testing.T) {
	idx := BuildIndex(nil, nil)
	require.True(t, idx.Empty())

	out := idx.Generate(1, 2, 5, 50)
	require.Equal(t, degenerateParagraph+"\n\n"+degenerateParagraph, out)
}

func TestEvictLeastFrequentCapsDistinctWords(t *testing.T) {
	s := newTestStore(t)
	corpus := strings.NewReader("alpha beta gamma delta epsilon alpha beta alpha")
	require.NoError(t, Train(s, corpus, 2))

	n, err := s.WordCount()
	require.NoError(t, err)
	require.LessOrEqual(t, n, int64(2))
}

func TestAddOrIncrementAccumulatesWeight(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddOrIncrement("a", "b"))
	require.NoError(t, s.AddOrIncrement("a", "b"))

	_, transitions, err := s.LoadAll()
	require.NoError(t, err)

	var found bool
	for _, tr := range transitions {
		if tr.Weight >= 2 {
			found = true
		}
	}
	require.True(t, found)
}
