package productions

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bcdev/calvalus-portal/internal/metrics"
	"github.com/bcdev/calvalus-portal/internal/model"
)

// Result describes what a Sync did to the list.
type Result struct {
	// ListChanged is set when records were added or removed; the whole list
	// needs to be redisplayed.
	ListChanged bool
	// PropertyChanged is set when a kept record got a new processing or
	// staging status.
	PropertyChanged bool

	Added   []string
	Removed []string
	Updated []string
}

func (r Result) Changed() bool {
	return r.ListChanged || r.PropertyChanged
}

func (r Result) outcome() string {
	switch {
	case r.ListChanged:
		return "list"
	case r.PropertyChanged:
		return "property"
	default:
		return "none"
	}
}

// ReentrancyError is the panic value of a Sync started while another one
// is still running.
type ReentrancyError struct {
	InFlight int64
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("productions: Sync re-entered while sync #%d is still running", e.InFlight)
}

type SyncOption func(*Synchronizer)

// WithOnChange registers fn to run after every changing Sync, once the list
// is consistent again but before Sync returns.
func WithOnChange(fn func(Result)) SyncOption {
	return func(s *Synchronizer) { s.onChange = fn }
}

func WithLogger(l zerolog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

// Synchronizer is the only writer of its List.
type Synchronizer struct {
	list     *List
	onChange func(Result)
	logger   zerolog.Logger

	busy atomic.Bool
	seq  atomic.Int64
}

func NewSynchronizer(list *List, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{list: list, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "synchronizer").Logger()
	return s
}

func (s *Synchronizer) List() *List {
	return s.list
}

// Sync merges snapshot into the list:
//   - records missing from snapshot are removed,
//   - records present in both keep their identity; only processing and
//     staging status are copied, and only when they differ by value,
//   - new records are inserted at their snapshot position.
//
// If an id occurs more than once in snapshot, the first occurrence wins.
// Readers never observe a half merged list. Sync must not be called while
// another Sync is running; doing so panics with *ReentrancyError.
func (s *Synchronizer) Sync(snapshot []model.Production) Result {
	if !s.busy.CompareAndSwap(false, true) {
		panic(&ReentrancyError{InFlight: s.seq.Load()})
	}
	defer s.busy.Store(false)
	seq := s.seq.Add(1)

	res := s.merge(snapshot)

	metrics.SyncOutcomes.WithLabelValues(res.outcome()).Inc()
	if res.Changed() {
		s.logger.Debug().
			Int64("sync", seq).
			Int("added", len(res.Added)).
			Int("removed", len(res.Removed)).
			Int("updated", len(res.Updated)).
			Msg("production list synchronized")
		if s.onChange != nil {
			s.onChange(res)
		}
	}
	return res
}

func (s *Synchronizer) merge(snapshot []model.Production) Result {
	l := s.list
	l.mu.Lock()
	defer l.mu.Unlock()

	var res Result

	fresh := make([]*model.Production, 0, len(snapshot))
	inSnapshot := make(map[string]bool, len(snapshot))
	for i := range snapshot {
		id := snapshot[i].ID
		if inSnapshot[id] {
			s.logger.Warn().Str("production", id).Msg("duplicate id in snapshot ignored")
			continue
		}
		inSnapshot[id] = true
		fresh = append(fresh, &snapshot[i])
	}

	kept := make([]*model.Production, 0, len(fresh))
	for _, p := range l.items {
		if inSnapshot[p.ID] {
			kept = append(kept, p)
			continue
		}
		delete(l.index, p.ID)
		res.Removed = append(res.Removed, p.ID)
	}

	for pos, sp := range fresh {
		if cur, ok := l.index[sp.ID]; ok {
			if !cur.StatusEqual(sp) {
				cur.ProcessingStatus = sp.ProcessingStatus
				cur.StagingStatus = sp.StagingStatus
				res.Updated = append(res.Updated, sp.ID)
			}
			continue
		}
		p := clone(sp)
		kept = insertAt(kept, min(pos, len(kept)), &p)
		l.index[p.ID] = &p
		res.Added = append(res.Added, p.ID)
	}

	l.items = kept
	res.ListChanged = len(res.Added) > 0 || len(res.Removed) > 0
	res.PropertyChanged = len(res.Updated) > 0
	return res
}

func insertAt(s []*model.Production, i int, p *model.Production) []*model.Production {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = p
	return s
}
