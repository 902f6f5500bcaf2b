// Package store persists translated shader and compiled pipeline blobs in
// a pebble database. Blobs are zstd-compressed and keyed by a namespace
// byte and a 64-bit content hash.
package store

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
)

// Namespace separates blob kinds sharing one database.
type Namespace byte

// Namespaces in use.
const (
	Shaders   Namespace = 's'
	Pipelines Namespace = 'p'
)

const keySize = 1 + 8

// BlobStore is a pebble-backed, compressed blob store. It is safe for
// concurrent use.
type BlobStore struct {
	db     *pebble.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger logr.Logger
	sync   bool
}

type options struct {
	inMemory bool
	sync     bool
	logger   logr.Logger
}

// Option configures Open.
type Option func(*options)

// InMemory keeps the database in memory. The directory is ignored.
func InMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithSync makes every write durable before returning.
func WithSync() Option {
	return func(o *options) {
		o.sync = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open opens or creates a blob store in dir.
func Open(dir string, opts ...Option) (*BlobStore, error) {
	o := options{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	pebbleOpts := &pebble.Options{}
	if o.inMemory {
		pebbleOpts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening blob store %q", dir)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, errors.Wrap(err, "creating zstd decoder")
	}

	o.logger.V(1).Info("blob store opened", "dir", dir, "inMemory", o.inMemory)

	return &BlobStore{db: db, enc: enc, dec: dec, logger: o.logger, sync: o.sync}, nil
}

// Close flushes and closes the database.
func (s *BlobStore) Close() error {
	s.dec.Close()
	err := s.enc.Close()
	return errors.CombineErrors(err, s.db.Close())
}

func makeKey(ns Namespace, hash uint64) []byte {
	key := make([]byte, keySize)
	key[0] = byte(ns)
	binary.BigEndian.PutUint64(key[1:], hash)
	return key
}

// Get returns the blob stored under hash. A missing blob is not an error.
func (s *BlobStore) Get(ns Namespace, hash uint64) ([]byte, bool, error) {
	raw, closer, err := s.db.Get(makeKey(ns, hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading blob %c/%016x", ns, hash)
	}
	defer closer.Close()

	blob, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decompressing blob %c/%016x", ns, hash)
	}
	return blob, true, nil
}

// Put stores blob under hash, replacing any earlier blob.
func (s *BlobStore) Put(ns Namespace, hash uint64, blob []byte) error {
	compressed := s.enc.EncodeAll(blob, make([]byte, 0, len(blob)/2))
	if err := s.db.Set(makeKey(ns, hash), compressed, s.writeOpts()); err != nil {
		return errors.Wrapf(err, "writing blob %c/%016x", ns, hash)
	}
	s.logger.V(2).Info("blob stored", "ns", string(rune(ns)), "hash", hash,
		"size", len(blob), "compressed", len(compressed))
	return nil
}

// Delete removes the blob stored under hash.
func (s *BlobStore) Delete(ns Namespace, hash uint64) error {
	if err := s.db.Delete(makeKey(ns, hash), s.writeOpts()); err != nil {
		return errors.Wrapf(err, "deleting blob %c/%016x", ns, hash)
	}
	return nil
}

// Hashes returns every hash stored in ns, in ascending order.
func (s *BlobStore) Hashes(ns Namespace) ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(ns)},
		UpperBound: []byte{byte(ns) + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	var hashes []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != keySize {
			continue
		}
		hashes = append(hashes, binary.BigEndian.Uint64(key[1:]))
	}
	return hashes, iter.Error()
}

func (s *BlobStore) writeOpts() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// View binds a store to one namespace.
type View struct {
	store *BlobStore
	ns    Namespace
}

// Namespace returns a view of ns.
func (s *BlobStore) Namespace(ns Namespace) View {
	return View{store: s, ns: ns}
}

// Get returns the blob stored under hash.
func (v View) Get(hash uint64) ([]byte, bool, error) { return v.store.Get(v.ns, hash) }

// Put stores blob under hash.
func (v View) Put(hash uint64, blob []byte) error { return v.store.Put(v.ns, hash, blob) }
