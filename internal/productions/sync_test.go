package productions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/calvalus-portal/internal/model"
)

func prod(id string, status model.WorkStatus) model.Production {
	return model.Production{ID: id, Name: "production " + id, User: "bob", ProcessingStatus: status, StagingStatus: model.Waiting()}
}

func ids(l *List) []string {
	var out []string
	for _, p := range l.Items() {
		out = append(out, p.ID)
	}
	return out
}

func newSynced(t *testing.T, snapshot ...model.Production) (*List, *Synchronizer) {
	t.Helper()
	l := NewList()
	s := NewSynchronizer(l)
	if len(snapshot) > 0 {
		s.Sync(snapshot)
	}
	return l, s
}

func TestSync_Idempotent(t *testing.T) {
	snap := []model.Production{prod("1", model.Waiting()), prod("2", model.InProgress(0.4))}
	_, s := newSynced(t)

	first := s.Sync(snap)
	assert.True(t, first.ListChanged)

	second := s.Sync(snap)
	assert.False(t, second.ListChanged)
	assert.False(t, second.PropertyChanged)
	assert.False(t, second.Changed())
}

func TestSync_IdentityStable(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()), prod("2", model.Waiting()))
	before, ok := l.Get("1")
	require.True(t, ok)

	s.Sync([]model.Production{prod("1", model.Waiting()), prod("2", model.InProgress(0.1)), prod("3", model.Waiting())})

	after, _ := l.Get("1")
	assert.Same(t, before, after)
	assert.Same(t, before, l.Items()[0])
}

func TestSync_Insertion(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()))

	res := s.Sync([]model.Production{prod("1", model.Waiting()), prod("2", model.Waiting())})

	assert.Equal(t, []string{"1", "2"}, ids(l))
	assert.True(t, res.ListChanged)
	assert.False(t, res.PropertyChanged)
	assert.Equal(t, []string{"2"}, res.Added)
}

func TestSync_Removal(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()), prod("2", model.Waiting()))

	res := s.Sync([]model.Production{prod("1", model.Waiting())})

	assert.Equal(t, []string{"1"}, ids(l))
	assert.True(t, res.ListChanged)
	assert.Equal(t, []string{"2"}, res.Removed)
	_, ok := l.Get("2")
	assert.False(t, ok)
}

func TestSync_PropertyOnlyUpdate(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()))
	held, _ := l.Get("1")

	res := s.Sync([]model.Production{prod("1", model.InProgress(0))})

	assert.False(t, res.ListChanged)
	assert.True(t, res.PropertyChanged)
	assert.Equal(t, []string{"1"}, res.Updated)
	assert.Equal(t, model.StateInProgress, held.ProcessingStatus.State, "update happens in place")
}

func TestSync_StagingStatusUpdate(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Completed()))
	snap := prod("1", model.Completed())
	snap.StagingStatus = model.InProgress(0.5)

	res := s.Sync([]model.Production{snap})
	assert.True(t, res.PropertyChanged)
	p, _ := l.Get("1")
	assert.Equal(t, 0.5, p.StagingStatus.Progress)
}

func TestSync_OnlyStatusFieldsAreCopied(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()))
	renamed := prod("1", model.Waiting())
	renamed.Name = "renamed"

	res := s.Sync([]model.Production{renamed})
	assert.False(t, res.Changed())
	p, _ := l.Get("1")
	assert.Equal(t, "production 1", p.Name)
}

func TestSync_InsertAtSnapshotPosition(t *testing.T) {
	l, s := newSynced(t, prod("a", model.Waiting()), prod("c", model.Waiting()))

	s.Sync([]model.Production{prod("new", model.Waiting()), prod("a", model.Waiting()), prod("b", model.Waiting()), prod("c", model.Waiting())})
	assert.Equal(t, []string{"new", "a", "b", "c"}, ids(l))

	// Surviving records keep their relative order; the insert position is clamped.
	s.Sync([]model.Production{prod("c", model.Waiting()), prod("b", model.Waiting()), prod("z", model.Waiting())})
	assert.Equal(t, []string{"b", "c", "z"}, ids(l))
}

func TestSync_RemovalAndInsertionTogether(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()), prod("2", model.Waiting()))

	res := s.Sync([]model.Production{prod("2", model.InProgress(0.5)), prod("3", model.Waiting())})

	assert.Equal(t, []string{"2", "3"}, ids(l))
	assert.True(t, res.ListChanged)
	assert.True(t, res.PropertyChanged)
	assert.Equal(t, []string{"3"}, res.Added)
	assert.Equal(t, []string{"1"}, res.Removed)
	assert.Equal(t, []string{"2"}, res.Updated)
}

func TestSync_DuplicateIDsFirstWins(t *testing.T) {
	l, s := newSynced(t)

	s.Sync([]model.Production{prod("1", model.Waiting()), prod("1", model.Completed())})

	require.Equal(t, 1, l.Len())
	p, _ := l.Get("1")
	assert.Equal(t, model.StateWaiting, p.ProcessingStatus.State)
}

func TestSync_EmptySnapshotClears(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()))
	res := s.Sync(nil)
	assert.True(t, res.ListChanged)
	assert.Equal(t, 0, l.Len())
}

func TestSync_DoesNotAliasSnapshot(t *testing.T) {
	snap := []model.Production{prod("1", model.Waiting())}
	l, s := newSynced(t)
	s.Sync(snap)

	snap[0].ProcessingStatus = model.Completed()
	p, _ := l.Get("1")
	assert.Equal(t, model.StateWaiting, p.ProcessingStatus.State)
}

func TestSync_ReentrancyPanics(t *testing.T) {
	l := NewList()
	var s *Synchronizer
	calls := 0
	s = NewSynchronizer(l, WithOnChange(func(Result) {
		calls++
		s.Sync(nil)
	}))

	require.PanicsWithError(t, "productions: Sync re-entered while sync #1 is still running", func() {
		s.Sync([]model.Production{prod("1", model.Waiting())})
	})
	assert.Equal(t, 1, calls)

	// The guard is released after the panic unwinds.
	res := s.Sync([]model.Production{prod("1", model.Waiting())})
	assert.False(t, res.Changed())
}

func TestSync_OnChangeOnlyWhenChanged(t *testing.T) {
	var results []Result
	s := NewSynchronizer(NewList(), WithOnChange(func(r Result) { results = append(results, r) }))
	snap := []model.Production{prod("1", model.Waiting())}

	s.Sync(snap)
	s.Sync(snap)
	s.Sync([]model.Production{prod("1", model.InProgress(0.2))})

	require.Len(t, results, 2)
	assert.True(t, results[0].ListChanged)
	assert.True(t, results[1].PropertyChanged)
	assert.False(t, results[1].ListChanged)
}

func TestSync_ConcurrentReaders(t *testing.T) {
	l, s := newSynced(t, prod("1", model.Waiting()), prod("2", model.Waiting()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, p := range l.Snapshot() {
					_ = p.ProcessingStatus.State
				}
				l.View(func(items []*model.Production) {
					seen := map[string]bool{}
					for _, p := range items {
						if seen[p.ID] {
							t.Errorf("duplicate id %s in view", p.ID)
						}
						seen[p.ID] = true
					}
				})
			}
		}()
	}

	for i := range 200 {
		progress := float64(i%10) / 10
		if i%2 == 0 {
			s.Sync([]model.Production{prod("1", model.InProgress(progress)), prod("2", model.Waiting())})
		} else {
			s.Sync([]model.Production{prod("2", model.Waiting()), prod("3", model.InProgress(progress))})
		}
	}
	close(stop)
	wg.Wait()
}
