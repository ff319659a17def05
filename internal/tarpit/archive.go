package tarpit

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// Archiver builds deterministic zip decoys. archive/zip is stdlib: the zip
// format is fixed binary on the wire and nothing in the pack ships a
// third-party zip writer, so there's no ecosystem library to reach for here
// (see DESIGN.md).
type Archiver struct {
	Entries int
	Seed    []byte
}

// NewArchiver builds an Archiver over the given system seed.
func NewArchiver(entries int, systemSeed []byte) *Archiver {
	return &Archiver{Entries: entries, Seed: systemSeed}
}

// Archive builds a zip decoy for id, deterministic in
// H(systemSeed||date||id): same id on the same calendar day always produces
// byte-identical output, so repeated crawls of the same decoy link can't be
// used to fingerprint the tarpit by diffing responses.
func (a *Archiver) Archive(ctx context.Context, id string) (io.ReadCloser, error) {
	date := time.Now().UTC().Format("2006-01-02")
	seed := Seed(a.Seed, date+"|"+id)
	r := newRand(seed)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entries := a.Entries
	if entries <= 0 {
		entries = 5
	}
	for i := 0; i < entries; i++ {
		select {
		case <-ctx.Done():
			_ = zw.Close()
			return nil, ctx.Err()
		default:
		}

		entrySeed := SubSeed(seed, uint64(i))
		name := fmt.Sprintf("document-%s.txt", linkSlug(entrySeed, 1<<24))
		w, err := zw.Create(name)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("tarpit: create zip entry: %w", err)
		}

		size := between(r, 128, 4096)
		payload := make([]byte, size)
		fillDeterministic(payload, newRand(entrySeed))
		if _, err := w.Write(payload); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("tarpit: write zip entry: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("tarpit: close zip: %w", err)
	}

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// fillDeterministic fills b with printable ASCII bytes drawn from r, so
// archive entries look like plausible text payloads rather than obvious
// random noise.
func fillDeterministic(b []byte, r interface{ IntN(int) int }) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz ABCDEFGHIJKLMNOPQRSTUVWXYZ\n"
	for i := range b {
		b[i] = alphabet[r.IntN(len(alphabet))]
	}
}
