// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "streams"))
	require.NoError(t, err)
	return s
}

func TestSaveAndFindByID(t *testing.T) {
	s := newTestStore(t)

	r := NewRecord("rtsp://cam/1", "key-1", "court-1")
	r.HasAudio = true
	r.ProcessID = 4242
	require.NoError(t, s.Save(r))

	got, err := s.FindByID(r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.CameraURL, got.CameraURL)
	assert.Equal(t, r.StreamKey, got.StreamKey)
	assert.Equal(t, r.CourtID, got.CourtID)
	assert.Equal(t, r.State, got.State)
	assert.Equal(t, r.HasAudio, got.HasAudio)
	assert.Equal(t, r.ProcessID, got.ProcessID)
}

func TestFindByIDAbsent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.FindByID("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindByIDCorruptSelfHeals(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(s.Dir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	got, err := s.FindByID("bad")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The corrupt file must be gone.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file should have been removed")
}

func TestFindAllSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)

	r1 := NewRecord("rtsp://cam/1", "k1", "c1")
	r2 := NewRecord("rtsp://cam/2", "k2", "c2")
	require.NoError(t, s.Save(r1))
	require.NoError(t, s.Save(r2))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "junk.json"), []byte("junk"), 0o640))

	all, err := s.FindAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFindRunning(t *testing.T) {
	s := newTestStore(t)

	running := NewRecord("rtsp://cam/1", "k1", "c1")
	require.NoError(t, running.Transition(StateRunning))
	running.ProcessID = 99
	stopped := NewRecord("rtsp://cam/2", "k2", "c2")
	require.NoError(t, s.Save(running))
	require.NoError(t, s.Save(stopped))

	got, err := s.FindRunning()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestDeleteAbsentIsSuccess(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete("never-existed"))
}

func TestClear(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(NewRecord("rtsp://cam/1", "k", "c")))
	}
	require.NoError(t, s.Clear())

	all, err := s.FindAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSaveRecreatesDirectory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))

	r := NewRecord("rtsp://cam/1", "k", "c")
	require.NoError(t, s.Save(r))

	got, err := s.FindByID(r.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSaveWithoutID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(&Record{}))
	assert.Error(t, s.Save(nil))
}
