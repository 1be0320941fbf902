package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, locker Locker) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(testPolicy(t), locker)
	require.NoError(t, err)
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t, nil)

	token, err := s.Create()
	require.NoError(t, err)

	ok, err := s.Stage(token, "b.pdf", strings.NewReader("bbb"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Stage(token, "A Doc.PDF", strings.NewReader("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Stage(token, "virus.exe", strings.NewReader("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Resolve(token)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "A_Doc.pdf", docs[0].Name)
	assert.Equal(t, int64(1), docs[0].Size)
	assert.Equal(t, "pdf", docs[0].Extension)
	assert.Equal(t, "b.pdf", docs[1].Name)

	require.NoError(t, s.Destroy(token))
	_, err = s.Resolve(token)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	assert.NoError(t, s.Destroy(token))
}

func TestSessionResolveRejectsMalformedTokens(t *testing.T) {
	s := testStore(t, nil)
	for _, token := range []string{"", "..", "../uploads", "not-a-uuid", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"} {
		_, err := s.Resolve(token)
		assert.Equal(t, models.KindNotFound, models.KindOf(err), token)
	}
}

func TestSessionStageUnknownToken(t *testing.T) {
	s := testStore(t, nil)
	_, err := s.Stage("6ba7b810-9dad-11d1-80b4-00c04fd430c8", "a.pdf", strings.NewReader("x"))
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func age(t *testing.T, path string, by time.Duration) {
	t.Helper()
	old := time.Now().Add(-by)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSessionSweep(t *testing.T) {
	locker := NewMemoryLocker()
	s := testStore(t, locker)

	fresh, err := s.Create()
	require.NoError(t, err)
	stale, err := s.Create()
	require.NoError(t, err)
	busy, err := s.Create()
	require.NoError(t, err)
	age(t, filepath.Join(s.policy.UploadRoot(), stale), 2*time.Hour)
	age(t, filepath.Join(s.policy.UploadRoot(), busy), 2*time.Hour)

	unlock, err := locker.Lock(context.Background(), busy)
	require.NoError(t, err)
	defer unlock()

	n, err := s.Sweep(context.Background(), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Resolve(fresh)
	assert.NoError(t, err)
	_, err = s.Resolve(busy)
	assert.NoError(t, err)
	_, err = s.Resolve(stale)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestSessionStageKeepsCollidingNames(t *testing.T) {
	s := testStore(t, nil)
	token, err := s.Create()
	require.NoError(t, err)

	for _, name := range []string{"a b.pdf", "a_b.pdf", "a?b.PDF"} {
		ok, err := s.Stage(token, name, strings.NewReader(name))
		require.NoError(t, err)
		require.True(t, ok)
	}

	docs, err := s.Resolve(token)
	require.NoError(t, err)
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"a_b.pdf", "a_b_2.pdf", "a_b_3.pdf"}, names)
	data, err := os.ReadFile(docs[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "a_b.pdf", string(data))
}
