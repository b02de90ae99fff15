package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(id string, answered bool) call.Summary {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := call.Summary{
		ID:          id,
		Kind:        call.KindPrimary,
		Destination: "100",
		Status:      call.StatusFailed,
		Originator:  call.OriginatorRemote,
		Cause:       call.CauseBusy,
		Disposition: call.DispositionRejected,
		StartedAt:   start,
		EndedAt:     start.Add(3 * time.Second),
	}
	if answered {
		s.Status = call.StatusEnded
		s.Cause = call.CauseBye
		s.Disposition = call.DispositionAnswered
		s.AnsweredAt = start.Add(2 * time.Second)
		s.EndedAt = start.Add(92 * time.Second)
	}
	return s
}

func TestRecordAndList(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.msgpack"))
	require.NoError(t, err)

	empty, err := store.List(0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Record(summary("a", false)))
	require.NoError(t, store.Record(summary("b", true)))
	require.NoError(t, store.Record(summary("c", false)))

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	b := all[1]
	assert.Equal(t, "answered", b.Disposition)
	assert.Equal(t, 90*time.Second, b.Duration)
	assert.True(t, b.StartedAt.Equal(summary("b", true).StartedAt))

	latest, err := store.List(1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "c", latest[0].ID)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
