package productions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/calvalus-portal/internal/model"
)

func TestList_SnapshotIsDetached(t *testing.T) {
	l := NewList()
	p := prod("1", model.Waiting())
	p.AdditionalStagingPaths = []string{"/a"}
	l.Restore([]model.Production{p})

	snap := l.Snapshot()
	snap[0].ProcessingStatus = model.Completed()
	snap[0].AdditionalStagingPaths[0] = "/changed"

	cur, _ := l.Get("1")
	assert.Equal(t, model.StateWaiting, cur.ProcessingStatus.State)
	assert.Equal(t, "/a", cur.AdditionalStagingPaths[0])
}

func TestList_ItemsSliceIsFresh(t *testing.T) {
	l := NewList()
	l.Restore([]model.Production{prod("1", model.Waiting()), prod("2", model.Waiting())})

	items := l.Items()
	items[0] = nil
	assert.NotNil(t, l.Items()[0])
}

func TestList_RestoreReplacesAndDedups(t *testing.T) {
	l := NewList()
	l.Restore([]model.Production{prod("1", model.Waiting())})
	l.Restore([]model.Production{prod("2", model.Waiting()), prod("3", model.Waiting()), prod("2", model.Completed())})

	require.Equal(t, 2, l.Len())
	_, ok := l.Get("1")
	assert.False(t, ok)
	p, _ := l.Get("2")
	assert.Equal(t, model.StateWaiting, p.ProcessingStatus.State)
}

func TestList_RestoreThenSyncKeepsIdentity(t *testing.T) {
	l := NewList()
	l.Restore([]model.Production{prod("1", model.Waiting())})
	held, _ := l.Get("1")

	res := NewSynchronizer(l).Sync([]model.Production{prod("1", model.Completed())})
	assert.True(t, res.PropertyChanged)
	assert.Equal(t, model.StateCompleted, held.ProcessingStatus.State)
}
