package tarpit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/tarpitgate/pkg/config"
)

type fakeProse struct{}

func (fakeProse) Generate(seed uint64, paragraphs, wordsPerParagraph, maxSteps int) string {
	out := make([]string, paragraphs)
	for i := range out {
		out[i] = "Lorem ipsum dolor sit amet."
	}
	joined := out[0]
	for i := 1; i < len(out); i++ {
		joined += "\n\n" + out[i]
	}
	return joined
}

func testCfg() *config.Tarpit {
	return &config.Tarpit{
		ChunkBytesMin:     16,
		ChunkBytesMax:     32,
		DelayMinMillis:    1,
		DelayMaxMillis:    2,
		PageMaxBytes:      1 << 20,
		ParagraphMin:      2,
		ParagraphMax:      2,
		WordsPerParagraph: 20,
		LinksPerPage:      3,
		SlugSpace:         1 << 20,
		ArchiveEntries:    2,
	}
}

func TestSeedIsDeterministicAndPathSensitive(t *testing.T) {
	seed := []byte("system-seed")
	a := Seed(seed, "/a")
	b := Seed(seed, "/a")
	c := Seed(seed, "/b")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestSeedCanonicalizesEquivalentPaths(t *testing.T) {
	seed := []byte("system-seed")
	require.Equal(t, Seed(seed, "/Foo/Bar"), Seed(seed, "/foo/bar"))
	require.Equal(t, Seed(seed, "/foo/bar/"), Seed(seed, "/foo/bar"))
	require.Equal(t, Seed(seed, "/foo%2Fbar"), Seed(seed, "/foo/bar"))
	require.Equal(t, Seed(seed, "/"), Seed(seed, "/"))
}

func TestRenderIsDeterministicForSamePath(t *testing.T) {
	rd := NewRenderer(testCfg(), []byte("system-seed"), fakeProse{})

	read := func(path string) []byte {
		rc, err := rd.Render(context.Background(), path)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return b
	}

	a := read("/foo/bar")
	b := read("/foo/bar")
	require.Equal(t, a, b)

	c := read("/other")
	require.NotEqual(t, a, c)
}

func TestRenderProducesNofollowLinks(t *testing.T) {
	rd := NewRenderer(testCfg(), []byte("system-seed"), fakeProse{})
	rc, err := rd.Render(context.Background(), "/page")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Contains(t, string(b), `rel="nofollow"`)
}

func TestRenderHonorsContextCancellation(t *testing.T) {
	cfg := testCfg()
	cfg.DelayMinMillis = 50
	cfg.DelayMaxMillis = 100
	cfg.ChunkBytesMin = 1
	cfg.ChunkBytesMax = 2
	rd := NewRenderer(cfg, []byte("system-seed"), fakeProse{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	rc, err := rd.Render(ctx, "/slow")
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.Error(t, err)
}

func TestArchiveIsDeterministicWithinTheSameDay(t *testing.T) {
	ar := NewArchiver(3, []byte("system-seed"))

	rc1, err := ar.Archive(context.Background(), "doc1")
	require.NoError(t, err)
	b1, err := io.ReadAll(rc1)
	require.NoError(t, err)

	rc2, err := ar.Archive(context.Background(), "doc1")
	require.NoError(t, err)
	b2, err := io.ReadAll(rc2)
	require.NoError(t, err)

	require.Equal(t, b1, b2)
}

func TestArchiveDiffersByID(t *testing.T) {
	ar := NewArchiver(3, []byte("system-seed"))

	rc1, err := ar.Archive(context.Background(), "doc1")
	require.NoError(t, err)
	b1, err := io.ReadAll(rc1)
	require.NoError(t, err)

	rc2, err := ar.Archive(context.Background(), "doc2")
	require.NoError(t, err)
	b2, err := io.ReadAll(rc2)
	require.NoError(t, err)

	require.NotEqual(t, b1, b2)
}
