package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAssignsIDAndTimestamp(t *testing.T) {
	s := openTestStore(t)

	rec := &Record{Username: "alice", OverallClass: 1, ClassLabel: "Moderate", Confidence: 0.7}
	require.NoError(t, s.Save(rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	got, err := s.Get(rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Moderate", got.ClassLabel)
	assert.Equal(t, rec.Timestamp.UnixNano(), got.Timestamp.UnixNano())
}

func TestGetEnforcesOwnership(t *testing.T) {
	s := openTestStore(t)

	rec := &Record{Username: "alice"}
	require.NoError(t, s.Save(rec))

	_, err := s.Get(rec.ID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByUserNewestFirstWithinWindow(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, age := range []time.Duration{40 * 24 * time.Hour, 2 * time.Hour, 10 * 24 * time.Hour, time.Minute} {
		require.NoError(t, s.Save(&Record{
			Username:  "alice",
			Timestamp: now.Add(-age),
			Probabilities: map[string]float64{
				"Minimal": 1,
			},
		}))
	}
	require.NoError(t, s.Save(&Record{Username: "bob", Timestamp: now}))
	require.NoError(t, s.Save(&Record{Username: "alice/evil", Timestamp: now}))

	records, err := s.ListByUser("alice", now.Add(-30*24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i-1].Timestamp.After(records[i].Timestamp))
	}
	for _, r := range records {
		assert.Equal(t, "alice", r.Username)
	}
	assert.Equal(t, 1.0, records[0].Probabilities["Minimal"])

	limited, err := s.ListByUser("alice", time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	old := &Record{Username: "alice", Timestamp: now.Add(-60 * 24 * time.Hour)}
	fresh := &Record{Username: "alice", Timestamp: now}
	require.NoError(t, s.Save(old))
	require.NoError(t, s.Save(fresh))

	n, err := s.Prune(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(old.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fresh.ID, "alice")
	assert.NoError(t, err)
}

func TestSaveRequiresUsername(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.Save(&Record{}))
}

func TestOnDiskReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	rec := &Record{Username: "carol", ClassLabel: "Severe"}
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(rec.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "Severe", got.ClassLabel)
}
