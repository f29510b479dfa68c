package gitssh

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"forge.static-hosting.dev/platform/internal/gitpack"
)

var objectsBucket = []byte("objects")

// PackStore is the on-disk home for one shallow fetch's objects: an
// append-only arena file holding every object's inflated bytes, and a
// bbolt index mapping each object's SHA-1 to its (offset, length, type)
// in the arena. Objects are stored fully reconstructed — REF_DELTA
// objects never survive into the index, only the blob/tree/commit they
// resolve to.
type PackStore struct {
	dir   string
	db    *bolt.DB
	arena *os.File
	// offset tracks the arena's current end, so concurrent reads
	// during Ingest never race with the next object's append.
	offset uint64
}

// NewPackStore creates (or reopens) a pack store rooted at dir.
func NewPackStore(dir string) (*PackStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gitssh: create pack store dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "objects.db"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("gitssh: open object index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("gitssh: create object bucket: %w", err)
	}

	arena, err := os.OpenFile(filepath.Join(dir, "pack.arena"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gitssh: open pack arena: %w", err)
	}
	info, err := arena.Stat()
	if err != nil {
		arena.Close()
		db.Close()
		return nil, fmt.Errorf("gitssh: stat pack arena: %w", err)
	}

	return &PackStore{dir: dir, db: db, arena: arena, offset: uint64(info.Size())}, nil
}

func (s *PackStore) Close() error {
	arenaErr := s.arena.Close()
	dbErr := s.db.Close()
	if arenaErr != nil {
		return arenaErr
	}
	return dbErr
}

type objectRecord struct {
	Offset uint64
	Length uint32
	Type   gitpack.ObjectType
}

func encodeRecord(rec objectRecord) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint64(buf[0:8], rec.Offset)
	binary.BigEndian.PutUint32(buf[8:12], rec.Length)
	buf[12] = byte(rec.Type)
	return buf
}

func decodeRecord(buf []byte) (objectRecord, error) {
	if len(buf) != 13 {
		return objectRecord{}, fmt.Errorf("gitssh: corrupt object record (len %d)", len(buf))
	}
	return objectRecord{
		Offset: binary.BigEndian.Uint64(buf[0:8]),
		Length: binary.BigEndian.Uint32(buf[8:12]),
		Type:   gitpack.ObjectType(buf[12]),
	}, nil
}

func (s *PackStore) put(sha [20]byte, typ gitpack.ObjectType, data []byte) error {
	if _, err := s.arena.WriteAt(data, int64(s.offset)); err != nil {
		return fmt.Errorf("gitssh: write object to arena: %w", err)
	}
	rec := objectRecord{Offset: s.offset, Length: uint32(len(data)), Type: typ}
	s.offset += uint64(len(data))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).Put(sha[:], encodeRecord(rec))
	})
}

// Has reports whether sha is already resolved in this store.
func (s *PackStore) Has(sha [20]byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(objectsBucket).Get(sha[:]) != nil
		return nil
	})
	return found, err
}

// Get returns a resolved object's type and bytes.
func (s *PackStore) Get(sha [20]byte) (gitpack.ObjectType, []byte, error) {
	var rec objectRecord
	var recErr error
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(objectsBucket).Get(sha[:])
		if raw == nil {
			recErr = fmt.Errorf("gitssh: object %s not found", hex.EncodeToString(sha[:]))
			return nil
		}
		rec, recErr = decodeRecord(raw)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if recErr != nil {
		return 0, nil, recErr
	}

	data := make([]byte, rec.Length)
	if _, err := s.arena.ReadAt(data, int64(rec.Offset)); err != nil {
		return 0, nil, fmt.Errorf("gitssh: read object from arena: %w", err)
	}
	return rec.Type, data, nil
}

type pendingDelta struct {
	sha     [20]byte
	baseSHA [20]byte
	delta   []byte
}

// Ingest reads a full pack stream (the "PACK" header through the last
// object) from r, resolving REF_DELTA objects against already-seen
// bases in repeated passes until no further progress is made.
func (s *PackStore) Ingest(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)

	hdr, err := gitpack.ParsePackHeader(br)
	if err != nil {
		return err
	}

	var pending []pendingDelta

	for i := uint32(0); i < hdr.Objects; i++ {
		objHdr, err := gitpack.ParseObjectHeader(br)
		if err != nil {
			return fmt.Errorf("gitssh: parse object %d/%d header: %w", i+1, hdr.Objects, err)
		}

		obj, err := gitpack.ReadObject(br, objHdr)
		if err != nil {
			return fmt.Errorf("gitssh: inflate object %d/%d: %w", i+1, hdr.Objects, err)
		}

		if objHdr.Type == gitpack.ObjectRefDelta {
			pending = append(pending, pendingDelta{sha: obj.SHA, baseSHA: objHdr.BaseSHA, delta: obj.Data})
			continue
		}

		if err := s.put(obj.SHA, objHdr.Type, obj.Data); err != nil {
			return err
		}
	}

	for len(pending) > 0 {
		progressed := false
		var stillPending []pendingDelta

		for _, pd := range pending {
			baseType, baseData, err := s.Get(pd.baseSHA)
			if err != nil {
				stillPending = append(stillPending, pd)
				continue
			}

			deltaHeader, pos, err := gitpack.ParseDeltaHeader(pd.delta)
			if err != nil {
				return fmt.Errorf("gitssh: parse delta header for base %s: %w", hex.EncodeToString(pd.baseSHA[:]), err)
			}

			reconstructed, err := gitpack.ApplyDelta(baseData, deltaHeader, pd.delta, pos)
			if err != nil {
				return fmt.Errorf("gitssh: apply delta against base %s: %w", hex.EncodeToString(pd.baseSHA[:]), err)
			}

			realSHA := gitpack.HashObject(baseType.Kind(), reconstructed)
			if err := s.put(realSHA, baseType, reconstructed); err != nil {
				return err
			}
			progressed = true
		}

		if !progressed {
			return fmt.Errorf("gitssh: %d delta object(s) have unresolvable bases (corrupt or incomplete pack)", len(stillPending))
		}
		pending = stillPending
	}

	return nil
}
