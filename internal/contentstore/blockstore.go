package contentstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var bucketBlocks = []byte("blocks")

// Value framing inside the blocks bucket.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// Blockstore is the local block cache, keyed by the 32-byte sha2-256
// digest the content resolves under. Values above the compression
// threshold are held zstd-compressed at rest.
type Blockstore struct {
	db        *bolt.DB
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// OpenBlockstore opens (or creates) the block database under dataDir.
func OpenBlockstore(dataDir string, compressThreshold int) (*Blockstore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "blocks.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open block database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blocks bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init zstd decoder: %w", err)
	}

	return &Blockstore{db: db, threshold: compressThreshold, enc: enc, dec: dec}, nil
}

// Close closes the database.
func (b *Blockstore) Close() error {
	b.enc.Close()
	b.dec.Close()
	return b.db.Close()
}

// Put stores data under its digest.
func (b *Blockstore) Put(digest, data []byte) error {
	value := make([]byte, 1, len(data)+1)
	if b.threshold > 0 && len(data) >= b.threshold {
		value[0] = frameZstd
		value = b.enc.EncodeAll(data, value)
	} else {
		value[0] = frameRaw
		value = append(value, data...)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(digest, value)
	})
}

// Get returns the block for digest, or ok=false when absent.
func (b *Blockstore) Get(digest []byte) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlocks).Get(digest)
		if raw == nil {
			return nil
		}
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		return nil, false, nil
	}
	if len(value) < 1 {
		return nil, false, fmt.Errorf("corrupt block for digest %x", digest)
	}

	switch value[0] {
	case frameRaw:
		return value[1:], true, nil
	case frameZstd:
		data, err := b.dec.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress block %x: %w", digest, err)
		}
		return data, true, nil
	default:
		return nil, false, fmt.Errorf("unknown block frame 0x%02x for digest %x", value[0], digest)
	}
}

// Has reports whether a block exists for digest.
func (b *Blockstore) Has(digest []byte) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlocks).Get(digest) != nil
		return nil
	})
	return found, err
}
