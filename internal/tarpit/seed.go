// Package tarpit generates the synthetic pages and archive decoys a hostile
// or crawling client is routed into once the edge gate decides to stall it.
// Everything downstream of a path is a pure function of (system seed, path):
// the same path always renders the same page, so the tarpit never needs to
// persist per-page state.
package tarpit

import (
	"encoding/binary"
	"math/rand/v2"
	"net/url"
	"path"
	"strings"

	"lukechampine.com/blake3"
)

// Seed derives a deterministic 64-bit seed from the system seed and a
// request path: H(systemSeed || canonicalize(path)), truncated to the first
// 8 bytes of the blake3 digest. Two different paths under the same system
// seed are independent; the same (seed, path) pair always yields the same
// seed, and equivalent spellings of the same path (trailing slash, case,
// percent-encoding) canonicalize to the same page.
func Seed(systemSeed []byte, reqPath string) uint64 {
	h := blake3.New(32, nil)
	h.Write(systemSeed)
	h.Write([]byte{0}) // domain separator between seed and path
	h.Write([]byte(canonicalize(reqPath)))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// canonicalize maps equivalent spellings of a request path to a single
// representation: percent-decoded, lowercased, and cleaned (trailing
// slashes removed except for root "/"). Malformed percent-encoding is left
// as-is rather than treated as an error, since a tarpit page must render
// for every path it's asked to, valid or not.
func canonicalize(p string) string {
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = strings.ToLower(p)
	if len(p) > 1 {
		p = path.Clean(p)
	}
	return p
}

// SubSeed derives an independent 64-bit seed from a parent seed and an
// integer index, used to seed per-link or per-entry generation without
// correlating them to each other.
func SubSeed(parent uint64, index uint64) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], parent)
	binary.BigEndian.PutUint64(buf[8:], index)
	sum := blake3.Sum256(buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// newRand builds a deterministic generator from a seed. Two calls with the
// same seed always produce the same sequence.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// between returns a deterministic pseudo-random integer in [lo, hi].
func between(r *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.IntN(hi-lo+1)
}
