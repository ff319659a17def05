package tarpit

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/skywalker-88/tarpitgate/pkg/config"
)

// Prose generates the body paragraphs for a page deterministically seeded
// by the Markov serving index; implemented by *markov.Index. Kept as a
// narrow interface here so the tarpit package doesn't import markov's gorm
// dependencies just to render a page.
type Prose interface {
	Generate(seed uint64, paragraphs, wordsPerParagraph, maxSteps int) string
}

const pageSkeleton = `<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}
<ul class="links">
{{range .Links}}<li><a href="#" data-slug="{{.}}">{{.}}</a></li>
{{end}}
</ul>
</body>
</html>
`

var pageTemplate = template.Must(template.New("tarpit_page").Parse(pageSkeleton))

type pageData struct {
	Title      string
	Paragraphs []string
	Links      []string
}

// Renderer builds and streams synthetic pages. Every field is read-only
// after construction; Render is safe for concurrent use.
type Renderer struct {
	Cfg   *config.Tarpit
	Seed  []byte // system seed
	Prose Prose
}

// NewRenderer builds a Renderer over the given system seed and Markov
// prose source.
func NewRenderer(cfg *config.Tarpit, systemSeed []byte, prose Prose) *Renderer {
	return &Renderer{Cfg: cfg, Seed: systemSeed, Prose: prose}
}

// Render produces the full page for path, deterministic in (system seed,
// path), and returns it as a ReadCloser that trickles the bytes out in
// Cfg.ChunkBytes{Min,Max}-sized pieces with a seeded random delay between
// chunks in [DelayMinMillis, DelayMaxMillis]. The caller's ctx is honored at
// every chunk boundary: if it's done, the stream ends early rather than
// blocking on the next delay.
func (rd *Renderer) Render(ctx context.Context, path string) (io.ReadCloser, error) {
	seed := Seed(rd.Seed, path)
	r := newRand(seed)

	paragraphCount := between(r, rd.Cfg.ParagraphMin, rd.Cfg.ParagraphMax)
	body := rd.Prose.Generate(SubSeed(seed, 0), paragraphCount, rd.Cfg.WordsPerParagraph, paragraphCount*rd.Cfg.WordsPerParagraph*4)
	paragraphs := splitParagraphs(body)

	links := make([]string, rd.Cfg.LinksPerPage)
	for i := range links {
		links[i] = linkSlug(SubSeed(seed, uint64(i)+1), rd.Cfg.SlugSpace)
	}

	data := pageData{
		Title:      fmt.Sprintf("Untitled %s", linkSlug(seed, rd.Cfg.SlugSpace)),
		Paragraphs: paragraphs,
		Links:      links,
	}

	var skeleton bytes.Buffer
	if err := pageTemplate.Execute(&skeleton, data); err != nil {
		return nil, fmt.Errorf("tarpit: render skeleton: %w", err)
	}

	rendered, err := mutateLinks(&skeleton, links)
	if err != nil {
		return nil, fmt.Errorf("tarpit: mutate links: %w", err)
	}
	if len(rendered) > rd.Cfg.PageMaxBytes {
		rendered = rendered[:rd.Cfg.PageMaxBytes]
	}

	return newChunkedReader(ctx, rendered, r, rd.Cfg.ChunkBytesMin, rd.Cfg.ChunkBytesMax, rd.Cfg.DelayMinMillis, rd.Cfg.DelayMaxMillis), nil
}

// mutateLinks parses the skeleton, walks every anchor in the links list the
// same way the crawler's sanitizer walks a parsed document -- Find then
// SetAttr -- attaching href/rel, then re-serializes once via html.Render.
func mutateLinks(skeleton *bytes.Buffer, slugs []string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(skeleton)
	if err != nil {
		return nil, err
	}

	anchors := doc.Find("a.links, ul.links a")
	if anchors.Length() == 0 {
		anchors = doc.Find("a")
	}
	anchors.Each(func(i int, s *goquery.Selection) {
		if i >= len(slugs) {
			return
		}
		slug := slugs[i]
		s.SetAttr("href", "/"+slug)
		s.SetAttr("rel", "nofollow")
		s.SetAttr("data-slug", slug)
	})

	var buf bytes.Buffer
	if doc.Nodes == nil || len(doc.Nodes) == 0 {
		return skeleton.Bytes(), nil
	}
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func linkSlug(seed uint64, slugSpace uint64) string {
	if slugSpace == 0 {
		slugSpace = 1 << 32
	}
	return strconv.FormatUint(seed%slugSpace, 36)
}

func splitParagraphs(body string) []string {
	var out []string
	start := 0
	for i := 0; i+2 <= len(body); i++ {
		if body[i] == '\n' && body[i+1] == '\n' {
			out = append(out, body[start:i])
			start = i + 2
			i++
		}
	}
	out = append(out, body[start:])
	return out
}

// chunkedReader streams a fixed byte slice out in pseudo-random-sized
// pieces with a pseudo-random delay between them, honoring ctx at every
// boundary.
type chunkedReader struct {
	ctx        context.Context
	data       []byte
	pos        int
	r          *rand.Rand
	minChunk   int
	maxChunk   int
	minDelayMs int
	maxDelayMs int
}

func newChunkedReader(ctx context.Context, data []byte, r *rand.Rand, minChunk, maxChunk, minDelayMs, maxDelayMs int) *chunkedReader {
	return &chunkedReader{
		ctx: ctx, data: data, r: r,
		minChunk: minChunk, maxChunk: maxChunk,
		minDelayMs: minDelayMs, maxDelayMs: maxDelayMs,
	}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	if c.pos > 0 {
		select {
		case <-c.ctx.Done():
			return 0, c.ctx.Err()
		case <-time.After(time.Duration(between(c.r, c.minDelayMs, c.maxDelayMs)) * time.Millisecond):
		}
	}

	n := between(c.r, c.minChunk, c.maxChunk)
	if rem := len(c.data) - c.pos; n > rem {
		n = rem
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func (c *chunkedReader) Close() error { return nil }
