package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newHandshakeFixture(t *testing.T) (*Handshakes, Session) {
	t.Helper()
	store := NewMemoryStore()
	sess := New(time.Minute)
	require.NoError(t, store.Save(context.Background(), sess))
	return NewHandshakes(store, DefaultMaxHandshakes, time.Minute), sess
}

func TestHandshakeBeginResolve(t *testing.T) {
	h, sess := newHandshakeFixture(t)
	ctx := context.Background()

	token, reset, err := h.Begin(ctx, sess.ID, "/terminal/session/1")
	require.NoError(t, err)
	require.False(t, reset)
	require.NotEmpty(t, token)

	next, err := h.Resolve(ctx, sess.ID, token)
	require.NoError(t, err)
	require.Equal(t, "/terminal/session/1", next)
}

func TestHandshakeResolveOnlyOnce(t *testing.T) {
	h, sess := newHandshakeFixture(t)
	ctx := context.Background()

	token, _, err := h.Begin(ctx, sess.ID, "/a")
	require.NoError(t, err)

	_, err = h.Resolve(ctx, sess.ID, token)
	require.NoError(t, err)
	_, err = h.Resolve(ctx, sess.ID, token)
	require.ErrorIs(t, err, ErrHandshakeNotFound)
}

func TestHandshakeResolveUnknown(t *testing.T) {
	h, sess := newHandshakeFixture(t)
	ctx := context.Background()

	_, err := h.Resolve(ctx, sess.ID, "forged")
	require.ErrorIs(t, err, ErrHandshakeNotFound)
	_, err = h.Resolve(ctx, sess.ID, "")
	require.ErrorIs(t, err, ErrHandshakeNotFound)
	_, err = h.Resolve(ctx, "missing-session", "forged")
	require.ErrorIs(t, err, ErrHandshakeNotFound)
}

func TestHandshakeBoundResetsAll(t *testing.T) {
	h, sess := newHandshakeFixture(t)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < DefaultMaxHandshakes; i++ {
		token, reset, err := h.Begin(ctx, sess.ID, "/early")
		require.NoError(t, err)
		require.False(t, reset)
		tokens = append(tokens, token)
	}

	last, reset, err := h.Begin(ctx, sess.ID, "/late")
	require.NoError(t, err)
	require.True(t, reset)

	for _, token := range tokens {
		_, err := h.Resolve(ctx, sess.ID, token)
		require.ErrorIs(t, err, ErrHandshakeNotFound)
	}
	next, err := h.Resolve(ctx, sess.ID, last)
	require.NoError(t, err)
	require.Equal(t, "/late", next)
}

func TestHandshakeConcurrentBeginUniqueTokens(t *testing.T) {
	store := NewMemoryStore()
	h := NewHandshakes(store, 1000, time.Minute)
	ctx := context.Background()

	sessions := make([]Session, 4)
	for i := range sessions {
		sessions[i] = New(time.Minute)
		require.NoError(t, store.Save(ctx, sessions[i]))
	}

	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		wg     sync.WaitGroup
		issued = 200
	)
	for i := 0; i < issued; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, _, err := h.Begin(ctx, sessions[i%len(sessions)].ID, "/")
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[token], "duplicate token %s", token)
			seen[token] = true
		}(i)
	}
	wg.Wait()
	require.Len(t, seen, issued)
}

func TestHandshakeBeginExtendsSession(t *testing.T) {
	store := NewMemoryStore()
	sess := New(time.Minute)
	sess.ExpiresAt = time.Now().Add(2 * time.Second)
	require.NoError(t, store.Save(context.Background(), sess))

	h := NewHandshakes(store, DefaultMaxHandshakes, time.Minute)
	_, _, err := h.Begin(context.Background(), sess.ID, "/")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, got.ExpiresAt.After(time.Now().Add(30*time.Second)))
}
