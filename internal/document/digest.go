package document

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Digest is a running content hash over field names and values, used by
// callers to detect whether a document changed between runs.
//
// Each pair is framed by a zero byte so ("ab","c") and ("a","bc") differ.
type Digest struct {
	h *xxh3.Hasher
	n int
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: xxh3.New()}
}

// Add folds one name/value pair into the digest.
func (d *Digest) Add(name string, v any) {
	d.h.WriteString(name)
	d.h.Write([]byte{0})
	if v == nil {
		d.h.Write([]byte{1})
	} else {
		d.h.WriteString(fmt.Sprint(v))
	}
	d.h.Write([]byte{0})
	d.n++
}

// Len returns the number of pairs added.
func (d *Digest) Len() int { return d.n }

// Sum returns the 128-bit digest as lowercase hex.
func (d *Digest) Sum() string {
	b := d.h.Sum128().Bytes()
	return hex.EncodeToString(b[:])
}

// Reset clears the digest for reuse.
func (d *Digest) Reset() {
	d.h.Reset()
	d.n = 0
}
