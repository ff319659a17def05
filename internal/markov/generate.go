package markov

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/skywalker-88/tarpitgate/pkg/metrics"
)

// row is one word's outgoing transition distribution, indexed for O(log n)
// weighted sampling via cumulative weights.
type row struct {
	nextIDs []uint64
	cumW    []int64 // cumulative weight, cumW[len-1] is the total
}

// Index is the immutable, in-memory serving structure built once at
// startup from Store.LoadAll. It is never mutated during serving (per the
// read-only-during-serving rule); retraining requires a process restart to
// pick up a fresh snapshot.
type Index struct {
	tokens map[uint64]string
	rows   map[uint64]row
}

// BuildIndex constructs an Index from the rows Store.LoadAll returns.
func BuildIndex(words []Word, transitions []Transition) *Index {
	idx := &Index{
		tokens: make(map[uint64]string, len(words)),
		rows:   make(map[uint64]row),
	}
	for _, w := range words {
		idx.tokens[w.ID] = w.Token
	}

	byPrev := make(map[uint64][]Transition)
	for _, t := range transitions {
		byPrev[t.PrevID] = append(byPrev[t.PrevID], t)
	}
	for prev, ts := range byPrev {
		sort.Slice(ts, func(i, j int) bool { return ts[i].NextID < ts[j].NextID })
		r := row{nextIDs: make([]uint64, len(ts)), cumW: make([]int64, len(ts))}
		var total int64
		for i, t := range ts {
			total += t.Weight
			r.nextIDs[i] = t.NextID
			r.cumW[i] = total
		}
		idx.rows[prev] = r
	}
	return idx
}

// Empty reports whether the index has no usable transitions out of the
// sentinel, the condition that triggers the degenerate fallback.
func (idx *Index) Empty() bool {
	if idx == nil {
		return true
	}
	r, ok := idx.rows[SentinelID]
	return !ok || len(r.nextIDs) == 0
}

func (idx *Index) sampleNext(r *rand.Rand, prev uint64) (uint64, bool) {
	row, ok := idx.rows[prev]
	if !ok || len(row.nextIDs) == 0 {
		return 0, false
	}
	total := row.cumW[len(row.cumW)-1]
	if total <= 0 {
		return 0, false
	}
	target := r.Int64N(total) + 1
	i := sort.Search(len(row.cumW), func(i int) bool { return row.cumW[i] >= target })
	return row.nextIDs[i], true
}

const degenerateParagraph = "This page has nothing to show right now."

// Generate walks the chain deterministically from seed and returns
// paragraphs of generated prose, each at most wordsPerParagraph words (a
// sentence boundary, i.e. a walk back to the sentinel, may end a paragraph
// earlier). maxSteps hard-caps total transitions across all paragraphs so a
// corrupt or degenerate table can never cause an unbounded walk.
func (idx *Index) Generate(seed uint64, paragraphs, wordsPerParagraph, maxSteps int) string {
	if idx.Empty() {
		metrics.MarkovGenerations.WithLabelValues("fallback").Inc()
		out := make([]string, paragraphs)
		for i := range out {
			out[i] = degenerateParagraph
		}
		return strings.Join(out, "\n\n")
	}
	metrics.MarkovGenerations.WithLabelValues("table").Inc()

	r := rand.New(rand.NewPCG(seed, seed^0xa5a5a5a5a5a5a5a5))
	steps := 0
	out := make([]string, 0, paragraphs)

	for p := 0; p < paragraphs; p++ {
		var words []string
		cur := uint64(SentinelID)
		for w := 0; w < wordsPerParagraph && steps < maxSteps; w++ {
			next, ok := idx.sampleNext(r, cur)
			steps++
			if !ok || next == SentinelID {
				break
			}
			if tok, ok := idx.tokens[next]; ok {
				words = append(words, tok)
			}
			cur = next
		}
		if len(words) == 0 {
			out = append(out, degenerateParagraph)
			continue
		}
		sentence := strings.Join(words, " ")
		out = append(out, strings.ToUpper(sentence[:1])+sentence[1:]+".")
		if steps >= maxSteps {
			break
		}
	}
	for len(out) < paragraphs {
		out = append(out, degenerateParagraph)
	}
	return strings.Join(out, "\n\n")
}
