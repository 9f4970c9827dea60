package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/keagan/vsrep/pkg/util"
)

// Entry records one cached feature tensor for a content hash
type Entry struct {
	StorageID string
	Block     float64
	Created   time.Time
}

// Index maps content hashes to their cached entries
type Index struct {
	entries map[string][]Entry
}

// NewIndex returns an empty index
func NewIndex() *Index {
	return &Index{entries: make(map[string][]Entry)}
}

// Match returns the entries for hash extracted with the given block duration
func (ix *Index) Match(hash string, block float64) []Entry {
	var out []Entry
	for _, e := range ix.entries[hash] {
		if sameBlock(e.Block, block) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns every entry under hash in insertion order
func (ix *Index) Entries(hash string) []Entry {
	return slices.Clone(ix.entries[hash])
}

// Add appends e under hash
func (ix *Index) Add(hash string, e Entry) {
	ix.entries[hash] = append(ix.entries[hash], e)
}

// Remove drops the entry with storageID under hash, reporting whether it existed
func (ix *Index) Remove(hash, storageID string) bool {
	list := ix.entries[hash]
	i := slices.IndexFunc(list, func(e Entry) bool { return e.StorageID == storageID })
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(ix.entries, hash)
	} else {
		ix.entries[hash] = list
	}
	return true
}

// Hashes returns the indexed content hashes, sorted
func (ix *Index) Hashes() []string {
	hashes := make([]string, 0, len(ix.entries))
	for h := range ix.entries {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// Len is the total number of entries
func (ix *Index) Len() int {
	n := 0
	for _, list := range ix.entries {
		n += len(list)
	}
	return n
}

func sameBlock(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// indexEntry is the on-disk form of Entry
type indexEntry struct {
	StorageID string  `yaml:"storage_id"`
	Block     float64 `yaml:"block"`
	Created   string  `yaml:"created"`
}

func (r indexEntry) validate() (Entry, error) {
	if r.StorageID == "" {
		return Entry{}, errors.New("missing storage_id")
	}
	if _, err := uuid.Parse(r.StorageID); err != nil {
		return Entry{}, fmt.Errorf("storage_id %q: %w", r.StorageID, err)
	}
	if !(r.Block > 0) {
		return Entry{}, fmt.Errorf("block must be positive, got %v", r.Block)
	}
	created, err := time.Parse(time.RFC3339, r.Created)
	if err != nil {
		return Entry{}, fmt.Errorf("created: %w", err)
	}
	return Entry{StorageID: r.StorageID, Block: r.Block, Created: created}, nil
}

// readIndex loads the index at path. A missing file is an empty index.
// An unreadable file, or one that is not a mapping, yields an empty index
// and an error wrapping ErrCorrupt. Hashes whose value is not a list and
// individually invalid entries are dropped and reported through dropped.
func readIndex(path string, dropped func(hash string, err error)) (*Index, error) {
	ix := NewIndex()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ix, nil
	}
	if err != nil {
		return ix, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ix, nil
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ix, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	for hash, value := range raw {
		if value.Kind != yaml.SequenceNode {
			dropped(hash, fmt.Errorf("expected a list of entries, got %s", value.ShortTag()))
			continue
		}
		for _, node := range value.Content {
			var r indexEntry
			if err := node.Decode(&r); err != nil {
				dropped(hash, err)
				continue
			}
			e, err := r.validate()
			if err != nil {
				dropped(hash, err)
				continue
			}
			ix.Add(hash, e)
		}
	}
	return ix, nil
}

// writeIndex atomically replaces the index file at path
func writeIndex(path string, ix *Index) error {
	out := make(map[string][]indexEntry, len(ix.entries))
	for hash, list := range ix.entries {
		rows := make([]indexEntry, len(list))
		for i, e := range list {
			rows[i] = indexEntry{
				StorageID: e.StorageID,
				Block:     e.Block,
				Created:   e.Created.UTC().Format(time.RFC3339),
			}
		}
		out[hash] = rows
	}

	return util.WriteFileAtomic(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	})
}
