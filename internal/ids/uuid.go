package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier. Layer and build-queue-message IDs are
// always UUIDv7 so that byte-lexicographic comparison is also
// time-ordered comparison.
type ID uuid.UUID

// Nil is the zero ID, used for "no current layer" style sentinels.
var Nil ID

// NewV7 returns a time-ordered UUIDv7. Two calls made while the system
// clock is monotonic non-decreasing produce strictly increasing IDs,
// because UUIDv7 stores millisecond time in its high bits and the
// google/uuid implementation fills the sub-millisecond bits from a
// monotonic counter seeded per process.
func NewV7() (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return Nil, fmt.Errorf("ids: generate uuidv7: %w", err)
	}
	return ID(u), nil
}

// NewRandom returns a random (v4) 128-bit ID, used for things that are
// not time-ordered, such as a project's ACME DNS challenge label or a
// worker's boot ID.
func NewRandom() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Nil, fmt.Errorf("ids: generate random uuid: %w", err)
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// Less reports whether id sorts strictly before other. For UUIDv7 IDs
// this is equivalent to "was generated earlier".
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

func (id ID) IsNil() bool { return id == Nil }

// ParseID parses a hyphenated UUID string, such as the one used as the
// Host label when serving a specific layer directly (see 
// scenario 6).
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ids: parse uuid %q: %w", s, err)
	}
	return ID(u), nil
}

// Bytes returns the raw 16 bytes of the ID, used as the Blake2b key
// material in checksum.go and as Consul/S3 key components.
func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}
