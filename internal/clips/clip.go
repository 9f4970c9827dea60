package clips

import (
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keagan/vsrep/internal/search"
	"github.com/keagan/vsrep/pkg/util"
)

// Clip is the segment of a reference video that best matches a query
type Clip struct {
	ID       string
	Query    string
	Source   string
	Index    int
	Start    time.Duration
	End      time.Duration
	Duration time.Duration
	Score    float64
	// Output is set once the segment has been cut to its own file
	Output   string
}

// FromMatch builds a clip for query out of a search result on source
func FromMatch(source, query string, m search.Match) *Clip {
	start, end := util.Seconds(m.Start), util.Seconds(m.End)
	return &Clip{
		ID:       uuid.NewString(),
		Query:    query,
		Source:   source,
		Index:    m.Index,
		Start:    start,
		End:      end,
		Duration: end - start,
		Score:    m.Score,
	}
}

// Name is the query file name without its extension
func (c *Clip) Name() string {
	base := filepath.Base(c.Query)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Manager collects matched clips
type Manager struct {
	clips []*Clip
}

// NewManager creates a new clip manager
func NewManager() *Manager {
	return &Manager{
		clips: make([]*Clip, 0),
	}
}

// Len is the number of clips collected
func (m *Manager) Len() int {
	return len(m.clips)
}

// Add adds a clip to the manager
func (m *Manager) Add(clip *Clip) {
	m.clips = append(m.clips, clip)
}

// Ranked returns the clips from closest to farthest match
func (m *Manager) Ranked() []*Clip {
	ranked := slices.Clone(m.clips)
	slices.SortStableFunc(ranked, func(a, b *Clip) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		}
		return 0
	})
	return ranked
}
