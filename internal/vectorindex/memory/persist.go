package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"groundedqa/internal/domain"
)

var (
	manifestKey = []byte("manifest")
	entryPrefix = []byte("entry/")
)

type manifest struct {
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	Count     int       `json:"count"`
	Checksum  string    `json:"checksum"`
	SavedAt   time.Time `json:"saved_at"`
}

func (x *Index) open() (*badger.DB, error) {
	opts := badger.DefaultOptions(x.path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index store %s: %w", x.path, err)
	}
	return db, nil
}

// Save replaces the on-disk copy with the live entries. It is a no-op for an
// index without a path.
func (x *Index) Save(ctx context.Context) error {
	if x.path == "" {
		return nil
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	entries := x.snapshot()
	db, err := x.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DropAll(); err != nil {
		return fmt.Errorf("clear index store: %w", err)
	}
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	sum := sha256.New()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		sum.Write(val)
		if err := wb.Set(append(bytes.Clone(entryPrefix), e.ID...), val); err != nil {
			return fmt.Errorf("write entry %s: %w", e.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush index store: %w", err)
	}

	m := manifest{
		Dimension: x.dimension,
		Model:     x.model,
		Count:     len(entries),
		Checksum:  hex.EncodeToString(sum.Sum(nil)),
		SavedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey, raw)
	}); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	x.log.Info().Int("entries", m.Count).Str("path", x.path).Msg("index saved")
	return nil
}

// Load replaces the live entries with the on-disk copy after verifying the
// manifest. An empty store loads nothing.
func (x *Index) Load(ctx context.Context) error {
	if x.path == "" {
		return nil
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	db, err := x.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var (
		m        *manifest
		next     = newSegment(0)
		sum      = sha256.New()
		rawCount int
	)
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			m = &manifest{}
			if err := json.Unmarshal(raw, m); err != nil {
				return fmt.Errorf("%w: manifest: %v", domain.ErrIndexCorruption, err)
			}
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rawCount++
			if m == nil {
				continue
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			sum.Write(val)
			var e domain.IndexEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("%w: entry %s: %v", domain.ErrIndexCorruption, it.Item().Key(), err)
			}
			if len(e.Vector) != m.Dimension {
				return fmt.Errorf("%w: entry %s has %d dimensions, manifest says %d",
					domain.ErrIndexCorruption, e.ID, len(e.Vector), m.Dimension)
			}
			next.put(e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m == nil {
		if rawCount > 0 {
			return fmt.Errorf("%w: %d entries without a manifest", domain.ErrIndexCorruption, rawCount)
		}
		return nil
	}
	if m.Dimension != x.dimension {
		return fmt.Errorf("%w: index on disk has %d dimensions, embedder produces %d",
			domain.ErrDimensionMismatch, m.Dimension, x.dimension)
	}
	if m.Model != "" && x.model != "" && m.Model != x.model {
		return fmt.Errorf("%w: index on disk was built with %q, configured model is %q",
			domain.ErrDimensionMismatch, m.Model, x.model)
	}
	if m.Count != rawCount || m.Checksum != hex.EncodeToString(sum.Sum(nil)) {
		return fmt.Errorf("%w: manifest expects %d entries with checksum %s", domain.ErrIndexCorruption, m.Count, m.Checksum)
	}

	x.swap(next)
	x.log.Info().Int("entries", len(next.entries)).Str("path", x.path).Msg("index loaded")
	return nil
}
