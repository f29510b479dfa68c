package ids

import "fmt"

// EncodingHint ranks the preferability of the four content-encoding
// variants a LayerMember may have stored. Higher is more preferred; 0
// means "this variant does not exist". It is encoded as 8 bytes so it
// fits inline in a repository row without a join.
type EncodingHint struct {
	Identity uint8
	Gzip     uint8
	Zstd     uint8
	Brotli   uint8
}

// DefaultEncodingHint is what the build worker records for every file
// it chunks: only the identity encoding exists yet.
var DefaultEncodingHint = EncodingHint{Identity: 1}

// Encode packs the hint into 8 bytes, one per field in brotli, zstd,
// gzip, identity order followed by 4 reserved zero bytes, so the
// encoding can grow without another migration.
func (h EncodingHint) Encode() [8]byte {
	var out [8]byte
	out[0] = h.Brotli
	out[1] = h.Zstd
	out[2] = h.Gzip
	out[3] = h.Identity
	return out
}

// DecodeEncodingHint is the inverse of EncodingHint.Encode.
func DecodeEncodingHint(b [8]byte) EncodingHint {
	return EncodingHint{
		Brotli:   b[0],
		Zstd:     b[1],
		Gzip:     b[2],
		Identity: b[3],
	}
}

// Preferred returns the highest-ranked non-zero encoding among those
// accepted, in the fixed tie-break order brotli > zstd > gzip >
// identity. accepted is typically derived from an
// Accept-Encoding header; identity is implicitly always accepted.
func (h EncodingHint) Preferred(accepted map[Encoding]bool) (Encoding, bool) {
	type candidate struct {
		enc  Encoding
		rank uint8
	}
	candidates := []candidate{
		{EncodingBrotli, h.Brotli},
		{EncodingZstd, h.Zstd},
		{EncodingGzip, h.Gzip},
		{EncodingIdentity, h.Identity},
	}

	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.rank == 0 {
			continue
		}
		if c.enc != EncodingIdentity && !accepted[c.enc] {
			continue
		}
		if best == nil || c.rank > best.rank {
			best = c
		}
	}
	if best == nil {
		return EncodingIdentity, false
	}
	return best.enc, true
}

func (h EncodingHint) String() string {
	return fmt.Sprintf("EncodingHint{identity:%d gzip:%d zstd:%d brotli:%d}",
		h.Identity, h.Gzip, h.Zstd, h.Brotli)
}
