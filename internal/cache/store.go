// Package cache persists feature tensors keyed by source content and
// block duration.
//
// The cache directory holds index.yaml, mapping content hash to a list of
// {storage_id, block, created}, and one <storage_id>.npy payload per
// entry. The index is only ever replaced whole via rename. Entries whose
// payload has gone missing or cannot be decoded are pruned when they are
// next looked up. Saving features for a (hash, block) pair replaces any
// entries already recorded for it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/keagan/vsrep/pkg/util"
)

var (
	// ErrCorrupt marks an index file that could not be parsed
	ErrCorrupt = errors.New("cache index corrupt")
	// ErrStaleEntry marks an index entry whose payload is missing or undecodable
	ErrStaleEntry = errors.New("cache entry stale")
	// ErrPersist marks a failed cache write
	ErrPersist = errors.New("cache persist failed")
)

const (
	indexFile = "index.yaml"
	// FingerprintBytes is how much of a source file is hashed
	FingerprintBytes = 100
)

// Options controls how Get uses the cache
type Options struct {
	// UseCache consults the index before extracting
	UseCache bool
	// SaveCache stores freshly extracted tensors
	SaveCache bool
}

// DefaultOptions reads and writes the cache
func DefaultOptions() Options {
	return Options{UseCache: true, SaveCache: true}
}

// ExtractFunc computes a feature tensor on a cache miss
type ExtractFunc func(ctx context.Context) (*tensor.Dense, error)

// Result is a feature tensor and where it came from
type Result struct {
	Tensor *tensor.Dense
	// Hash is the source fingerprint, empty if it could not be computed
	Hash string
	Hit  bool
}

// Store is a directory-backed feature cache. Index updates from one Store
// are serialized; separate processes sharing a directory are not
// coordinated and the last index write wins.
type Store struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// New opens (creating if needed) the cache directory dir
func New(logger zerolog.Logger, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Dir is the cache directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *Store) payloadPath(storageID string) string {
	return filepath.Join(s.dir, storageID+".npy")
}

// Fingerprint hashes the first FingerprintBytes of path (fewer if the file
// is shorter) and returns the hex SHA-256
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, FingerprintBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(buf[:n])
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the features for source, from the cache when possible and
// from extract otherwise. Cache failures are logged, never returned; only
// extraction errors reach the caller.
func (s *Store) Get(ctx context.Context, source string, block float64, opts Options, extract ExtractFunc) (Result, error) {
	var hash string
	if opts.UseCache || opts.SaveCache {
		h, err := Fingerprint(source)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("cannot fingerprint source, bypassing cache")
		}
		hash = h
	}

	if hash != "" && opts.UseCache {
		if t, ok := s.Lookup(hash, block); ok {
			s.logger.Info().
				Str("source", source).
				Str("sha256", hash).
				Float64("block", block).
				Msg("matched cache")
			return Result{Tensor: t, Hash: hash, Hit: true}, nil
		}
	}

	t, err := extract(ctx)
	if err != nil {
		return Result{}, err
	}

	if hash != "" && opts.SaveCache {
		if _, err := s.Save(hash, block, t); err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("features not cached")
		}
	}
	return Result{Tensor: t, Hash: hash}, nil
}

// Lookup returns the cached tensor for (hash, block). Entries whose
// payload is missing or undecodable are removed from the index as they are
// found, and the scan continues. Any other read failure counts as a miss
// and leaves the index alone.
func (s *Store) Lookup(hash string, block float64) (*tensor.Dense, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix := s.loadIndex()
	for _, e := range ix.Match(hash, block) {
		t, err := s.readPayload(e.StorageID)
		if err == nil {
			return t, true
		}
		if !errors.Is(err, ErrStaleEntry) {
			s.logger.Warn().
				Err(err).
				Str("sha256", hash).
				Str("storage_id", e.StorageID).
				Msg("cannot read cached features")
			continue
		}

		s.logger.Warn().
			Err(err).
			Str("sha256", hash).
			Str("storage_id", e.StorageID).
			Msg("pruning stale cache entry")
		ix.Remove(hash, e.StorageID)
		if err := writeIndex(s.indexPath(), ix); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist pruned cache index")
		}
	}
	return nil, false
}

// Save writes t as a new payload and records it in the index, replacing
// the entries and payloads previously stored for (hash, block). A payload
// write failure leaves the index untouched. An index write failure leaves
// an unreferenced payload behind. Both are reported wrapping ErrPersist.
func (s *Store) Save(hash string, block float64, t *tensor.Dense) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		StorageID: uuid.NewString(),
		Block:     block,
		Created:   time.Now().UTC().Truncate(time.Second),
	}

	if err := util.WriteFileAtomic(s.payloadPath(entry.StorageID), t.WriteNpy); err != nil {
		return Entry{}, fmt.Errorf("%w: write payload: %v", ErrPersist, err)
	}

	ix := s.loadIndex()
	replaced := ix.Match(hash, block)
	for _, old := range replaced {
		ix.Remove(hash, old.StorageID)
	}
	ix.Add(hash, entry)
	if err := writeIndex(s.indexPath(), ix); err != nil {
		return entry, fmt.Errorf("%w: write index: %v", ErrPersist, err)
	}

	for _, old := range replaced {
		if err := os.Remove(s.payloadPath(old.StorageID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("storage_id", old.StorageID).Msg("failed to remove replaced payload")
		}
	}

	s.logger.Debug().
		Str("sha256", hash).
		Str("storage_id", entry.StorageID).
		Float64("block", block).
		Msg("cached features")
	return entry, nil
}

// Index returns a snapshot of the on-disk index
func (s *Store) Index() *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex()
}

func (s *Store) loadIndex() *Index {
	ix, err := readIndex(s.indexPath(), func(hash string, err error) {
		s.logger.Warn().Err(err).Str("sha256", hash).Msg("dropping invalid cache entry")
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("treating cache index as empty")
	}
	return ix
}

func (s *Store) readPayload(storageID string) (*tensor.Dense, error) {
	f, err := os.Open(s.payloadPath(storageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrStaleEntry, err)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrStaleEntry, err)
	}
	if t.Dims() != 2 || t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("%w: payload has shape %v and dtype %v", ErrStaleEntry, t.Shape(), t.Dtype())
	}
	return t, nil
}
