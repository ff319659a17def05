package robots

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleRobots = `User-agent: *
Disallow: /private/
Disallow: /admin/

User-agent: Googlebot
Allow: /
`

func TestParseDisallowsWildcardGroup(t *testing.T) {
	p, err := parse(strings.NewReader(sampleRobots), nil)
	require.NoError(t, err)

	require.True(t, p.Disallowed("curl/8.0", "/private/data"))
	require.True(t, p.Disallowed("curl/8.0", "/admin/panel"))
	require.False(t, p.Disallowed("curl/8.0", "/public/data"))
}

func TestGooglebotGroupHasNoDisallow(t *testing.T) {
	p, err := parse(strings.NewReader(sampleRobots), nil)
	require.NoError(t, err)

	require.False(t, p.Disallowed("Googlebot/2.1", "/private/data"))
}

func TestIsBenignBot(t *testing.T) {
	p := newEmptyPolicy([]string{"googlebot", "bingbot"})
	require.True(t, p.IsBenignBot("Mozilla/5.0 (compatible; Googlebot/2.1)"))
	require.True(t, p.IsBenignBot("bingbot/2.0"))
	require.False(t, p.IsBenignBot("curl/8.0"))
}

func TestParseMalformedLinesAreSkipped(t *testing.T) {
	p, err := parse(strings.NewReader("not a directive\nUser-agent: *\nDisallow: /x\n"), nil)
	require.NoError(t, err)
	require.True(t, p.Disallowed("anything", "/x/y"))
}

func TestLoaderFailsOpenOnMissingFile(t *testing.T) {
	l := NewLoader("/nonexistent/robots.txt", time.Hour, []string{"googlebot"})
	defer l.Close()

	p := l.Policy()
	require.NotNil(t, p)
	require.False(t, p.Disallowed("curl/8.0", "/anything"))
	require.True(t, p.IsBenignBot("googlebot"))
}

func TestLoaderReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/robots.txt"
	require.NoError(t, writeFile(path, "User-agent: *\nDisallow: /a\n"))

	l := NewLoader(path, 50*time.Millisecond, nil)
	defer l.Close()

	require.True(t, l.Policy().Disallowed("curl", "/a/b"))

	require.NoError(t, writeFile(path, "User-agent: *\nDisallow: /b\n"))

	require.Eventually(t, func() bool {
		return l.Policy().Disallowed("curl", "/b/c")
	}, 2*time.Second, 20*time.Millisecond)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
