// Package storetest holds the behaviour every AssignmentStore backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
)

// Assignment builds a record with fresh id and placeholder keys.
func Assignment(userID uint64, serverID, address string) model.Assignment {
	return model.Assignment{
		ID:         uuid.NewString(),
		UserID:     userID,
		ServerID:   serverID,
		PrivateKey: fmt.Sprintf("priv-%d-%s", userID, serverID),
		PublicKey:  fmt.Sprintf("pub-%d-%s", userID, serverID),
		Address:    address,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Run exercises st. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.AssignmentStore) {
	ctx := context.Background()

	t.Run("insert then find", func(t *testing.T) {
		st := newStore(t)
		a := Assignment(7, "fra-1", "10.3.0.9/32")
		got, inserted, err := st.InsertIfAbsent(ctx, a)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, a, got)

		found, ok, err := st.Find(ctx, 7, "fra-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a, found)

		byAddr, ok, err := st.FindByAddress(ctx, "fra-1", "10.3.0.9/32")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.ID, byAddr.ID)

		byID, ok, err := st.Get(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a, byID)
	})

	t.Run("missing lookups", func(t *testing.T) {
		st := newStore(t)
		_, ok, err := st.Find(ctx, 1, "fra-1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = st.FindByAddress(ctx, "fra-1", "10.3.0.2/32")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = st.Get(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("second insert returns existing", func(t *testing.T) {
		st := newStore(t)
		first := Assignment(7, "fra-1", "10.3.0.9/32")
		_, _, err := st.InsertIfAbsent(ctx, first)
		require.NoError(t, err)

		got, inserted, err := st.InsertIfAbsent(ctx, Assignment(7, "fra-1", "10.3.0.9/32"))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, first, got)
	})

	t.Run("address conflict", func(t *testing.T) {
		st := newStore(t)
		_, _, err := st.InsertIfAbsent(ctx, Assignment(7, "fra-1", "10.3.0.9/32"))
		require.NoError(t, err)

		_, _, err = st.InsertIfAbsent(ctx, Assignment(261, "fra-1", "10.3.0.9/32"))
		assert.ErrorIs(t, err, store.ErrAddressConflict)

		_, ok, err := st.Find(ctx, 261, "fra-1")
		require.NoError(t, err)
		assert.False(t, ok)

		// same address on another server is fine
		_, inserted, err := st.InsertIfAbsent(ctx, Assignment(261, "ams-1", "10.3.0.9/32"))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("list", func(t *testing.T) {
		st := newStore(t)
		a := Assignment(1, "fra-1", "10.3.0.3/32")
		b := Assignment(1, "ams-1", "10.4.0.3/32")
		b.CreatedAt = a.CreatedAt.Add(time.Second)
		c := Assignment(2, "fra-1", "10.3.0.4/32")
		c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
		for _, x := range []model.Assignment{a, b, c} {
			_, _, err := st.InsertIfAbsent(ctx, x)
			require.NoError(t, err)
		}

		mine, err := st.ListForUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []model.Assignment{a, b}, mine)

		onFra, err := st.ListForServer(ctx, "fra-1")
		require.NoError(t, err)
		assert.Equal(t, []model.Assignment{a, c}, onFra)

		none, err := st.ListForUser(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		a := Assignment(7, "fra-1", "10.3.0.9/32")
		_, _, err := st.InsertIfAbsent(ctx, a)
		require.NoError(t, err)

		err = st.Delete(ctx, 7, "fra-1", 8)
		assert.ErrorIs(t, err, store.ErrForbidden)
		_, ok, err := st.Find(ctx, 7, "fra-1")
		require.NoError(t, err)
		assert.True(t, ok, "forbidden delete must leave the record")

		require.NoError(t, st.Delete(ctx, 7, "fra-1", 7))
		_, ok, err = st.Find(ctx, 7, "fra-1")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, st.Delete(ctx, 7, "fra-1", 7), store.ErrNotFound)

		// address is free again
		_, inserted, err := st.InsertIfAbsent(ctx, Assignment(261, "fra-1", "10.3.0.9/32"))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("revoke", func(t *testing.T) {
		st := newStore(t)
		_, _, err := st.InsertIfAbsent(ctx, Assignment(7, "fra-1", "10.3.0.9/32"))
		require.NoError(t, err)
		require.NoError(t, st.Revoke(ctx, 7, "fra-1"))
		assert.ErrorIs(t, st.Revoke(ctx, 7, "fra-1"), store.ErrNotFound)
	})

	t.Run("concurrent insert has one winner", func(t *testing.T) {
		st := newStore(t)
		const n = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			ids      = map[string]bool{}
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, ok, err := st.InsertIfAbsent(ctx, Assignment(7, "fra-1", "10.3.0.9/32"))
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if ok {
					inserted++
				}
				ids[got.ID] = true
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, inserted)
		assert.Len(t, ids, 1)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
