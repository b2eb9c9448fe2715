package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heldCount(r *LockRepository) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func TestReleaseAllClearsTrackedLocks(t *testing.T) {
	r := NewLockRepository(nil)
	a := &Lock{key: lockKey(ScopeSource, "a"), repo: r}
	b := &Lock{key: lockKey(ScopeGlobal, "save_all_media_for_source:a"), repo: r}
	r.track(a)
	r.track(b)
	require.Equal(t, 2, heldCount(r))

	a.Release()
	assert.Equal(t, 1, heldCount(r))

	r.ReleaseAll()
	assert.Equal(t, 0, heldCount(r))
}

func TestLockKeyScopesDoNotCollide(t *testing.T) {
	id := "0b5c2f4e-96a1-4f7a-9f24-7f3f2a1d0c9b"
	assert.NotEqual(t, lockKey(ScopeSource, id), lockKey(ScopeMedia, id))
	assert.NotEqual(t, lockKey(ScopeMedia, id), lockKey(ScopeIndexMedia, id))
}
