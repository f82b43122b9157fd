package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"modernvpn/pkg/catalog"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
)

const serverKey = "t8kWCuEeKmb6bV/Tpx0byyzoFe1KK6F3LpnDV/yBe+A="

func testCatalog(t *testing.T) *catalog.Source {
	t.Helper()
	mk := func(id, subnet string, state model.ServerState, load int) model.Server {
		return model.Server{
			ID:        id,
			Region:    "eu",
			City:      "Frankfurt",
			Country:   "DE",
			Subnet:    subnet,
			Endpoint:  id + ".example.net:51820",
			State:     state,
			Load:      load,
			PublicKey: serverKey,
		}
	}
	c, err := catalog.New([]model.Server{
		mk("fra-1", "10.3.0.0/24", model.StateOnline, 40),
		mk("ams-1", "10.4.0.0/24", model.StateOnline, 60),
		mk("nyc-1", "10.5.0.0/24", model.StateMaintenance, 5),
		mk("tiny-1", "10.9.0.0/31", model.StateOnline, 0),
	})
	require.NoError(t, err)
	return catalog.NewSource(c)
}

// countingStore counts successful inserts.
type countingStore struct {
	store.AssignmentStore
	inserts atomic.Int64
}

func (c *countingStore) InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error) {
	got, inserted, err := c.AssignmentStore.InsertIfAbsent(ctx, a)
	if inserted {
		c.inserts.Inc()
	}
	return got, inserted, err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.PeerEvent
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, ev model.PeerEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type keyFunc func(ctx context.Context) (keys.KeyPair, error)

func (f keyFunc) Generate(ctx context.Context) (keys.KeyPair, error) { return f(ctx) }

func newEngine(t *testing.T, opts ...Option) (*Engine, *countingStore) {
	st := &countingStore{AssignmentStore: store.NewMemoryStore()}
	return New(testCatalog(t), st, keys.New(), opts...), st
}

func TestAssignCreatesThenReuses(t *testing.T) {
	n := &recordingNotifier{}
	e, st := newEngine(t, WithNotifier(n))
	ctx := context.Background()

	first, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, StateReady, first.State)
	assert.Equal(t, "10.3.0.9/32", first.Assignment.Address)
	assert.Equal(t, "fra-1", first.Server.ID)
	assert.NotEmpty(t, first.Assignment.PrivateKey)
	_, err = keys.ParsePublicKey(first.Assignment.PublicKey)
	assert.NoError(t, err)

	second, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, StateReuse, second.State)
	assert.Equal(t, first.Assignment, second.Assignment)
	assert.Equal(t, int64(1), st.inserts.Load())

	require.Len(t, n.events, 1)
	assert.Equal(t, model.PeerAdded, n.events[0].Type)
	assert.Equal(t, first.Assignment.ID, n.events[0].AssignmentID)
}

func TestAssignUniqueAddresses(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))

	// ids sharing a block of 253 residues mod 254 never collide.
	base := uint64(r.Int63n(1<<40)) * 254
	seen := map[string]uint64{}
	for i := 0; i < 100; i++ {
		uid := base + uint64(r.Intn(253))
		res, err := e.Assign(ctx, uid, "fra-1")
		if prev, ok := seen[res.Assignment.Address]; ok && err == nil {
			assert.Equal(t, prev, uid, "address %s shared", res.Assignment.Address)
			continue
		}
		require.NoError(t, err)
		seen[res.Assignment.Address] = uid
	}

	list, err := e.ListForServer(ctx, "fra-1")
	require.NoError(t, err)
	addrs := map[string]bool{}
	for _, a := range list {
		assert.False(t, addrs[a.Address], "duplicate address %s", a.Address)
		addrs[a.Address] = true
	}
}

func TestAssignConcurrentSamePair(t *testing.T) {
	e, st := newEngine(t)
	const n = 32
	results := make([]Result, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := e.Assign(context.Background(), 42, "fra-1")
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), st.inserts.Load())
	for _, r := range results {
		assert.Equal(t, results[0].Assignment, r.Assignment)
	}
}

func TestAssignServerUnavailable(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Assign(ctx, 7, "nyc-1")
	assert.ErrorIs(t, err, ErrServerUnavailable)
	list, err := e.ListForServer(ctx, "nyc-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.Assign(ctx, 7, "mars-1")
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestAssignAddressCollision(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	res, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)
	assert.Equal(t, "10.3.0.9/32", res.Assignment.Address)

	res, err = e.Assign(ctx, 261, "fra-1")
	assert.ErrorIs(t, err, ErrAddressExhausted)
	assert.Equal(t, StateFailed, res.State)

	list, err := e.List(ctx, 261)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.Assign(ctx, 7, "tiny-1")
	assert.ErrorIs(t, err, ErrAddressExhausted)
}

func TestAssignKeyFailure(t *testing.T) {
	st := store.NewMemoryStore()
	failing := keyFunc(func(context.Context) (keys.KeyPair, error) {
		return keys.KeyPair{}, keys.ErrGenerationFailed
	})
	e := New(testCatalog(t), st, failing)
	_, err := e.Assign(context.Background(), 7, "fra-1")
	assert.ErrorIs(t, err, ErrKeyGenerationFailed)

	_, ok, err := st.Find(context.Background(), 7, "fra-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemoryStore()
	e := New(testCatalog(t), st, keyFunc(func(context.Context) (keys.KeyPair, error) {
		cancel()
		return keys.New().Generate(context.Background())
	}))
	_, err := e.Assign(ctx, 7, "fra-1")
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, err := st.Find(context.Background(), 7, "fra-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

type mockStore struct {
	mock.Mock
	store.AssignmentStore
}

func (m *mockStore) Find(ctx context.Context, userID uint64, serverID string) (model.Assignment, bool, error) {
	args := m.Called(ctx, userID, serverID)
	return args.Get(0).(model.Assignment), args.Bool(1), args.Error(2)
}

func (m *mockStore) FindByAddress(ctx context.Context, serverID, address string) (model.Assignment, bool, error) {
	args := m.Called(ctx, serverID, address)
	return args.Get(0).(model.Assignment), args.Bool(1), args.Error(2)
}

func (m *mockStore) InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(model.Assignment), args.Bool(1), args.Error(2)
}

func TestAssignStoreFailure(t *testing.T) {
	down := errors.New("connection refused")

	t.Run("lookup", func(t *testing.T) {
		st := &mockStore{}
		st.On("Find", mock.Anything, uint64(7), "fra-1").Return(model.Assignment{}, false, down)
		e := New(testCatalog(t), st, keys.New())
		_, err := e.Assign(context.Background(), 7, "fra-1")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, err, down)
		st.AssertExpectations(t)
	})

	t.Run("persist", func(t *testing.T) {
		st := &mockStore{}
		st.On("Find", mock.Anything, uint64(7), "fra-1").Return(model.Assignment{}, false, nil)
		st.On("FindByAddress", mock.Anything, "fra-1", "10.3.0.9/32").Return(model.Assignment{}, false, nil)
		st.On("InsertIfAbsent", mock.Anything, mock.AnythingOfType("model.Assignment")).Return(model.Assignment{}, false, down)
		e := New(testCatalog(t), st, keys.New())
		_, err := e.Assign(context.Background(), 7, "fra-1")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		st.AssertExpectations(t)
	})

	t.Run("concurrent address winner", func(t *testing.T) {
		st := &mockStore{}
		st.On("Find", mock.Anything, uint64(261), "fra-1").Return(model.Assignment{}, false, nil)
		st.On("FindByAddress", mock.Anything, "fra-1", "10.3.0.9/32").Return(model.Assignment{}, false, nil)
		st.On("InsertIfAbsent", mock.Anything, mock.Anything).Return(model.Assignment{}, false, store.ErrAddressConflict)
		e := New(testCatalog(t), st, keys.New())
		_, err := e.Assign(context.Background(), 261, "fra-1")
		assert.ErrorIs(t, err, ErrAddressExhausted)
	})
}

func TestAssignRecordFields(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.FixedZone("X", 7200))
	st := store.NewMemoryStore()
	e := New(testCatalog(t), st, keys.New(), WithClock(func() time.Time { return now }))
	res, err := e.Assign(context.Background(), 7, "fra-1")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, res.Assignment.CreatedAt.Location())
	assert.Equal(t, now.UTC().Truncate(time.Microsecond), res.Assignment.CreatedAt)
	assert.Len(t, res.Assignment.ID, 36)
}

func TestAssignPreferred(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	// tiny-1 is least loaded but has no usable hosts.
	res, err := e.AssignPreferred(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "fra-1", res.Assignment.ServerID)

	// fra-1 address for 261 is taken, so it lands on ams-1.
	res, err = e.AssignPreferred(ctx, 261)
	require.NoError(t, err)
	assert.Equal(t, "ams-1", res.Assignment.ServerID)

	again, err := e.AssignPreferred(ctx, 261)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, res.Assignment.ID, again.Assignment.ID)
}

func TestAssignPreferredExhausted(t *testing.T) {
	c, err := catalog.New([]model.Server{{
		ID: "tiny-1", Subnet: "10.9.0.0/31", Endpoint: "t.example.net:1",
		State: model.StateOnline, PublicKey: serverKey,
	}})
	require.NoError(t, err)
	e := New(catalog.NewSource(c), store.NewMemoryStore(), keys.New())
	_, err = e.AssignPreferred(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAddressExhausted)

	empty, err := catalog.New(nil)
	require.NoError(t, err)
	e = New(catalog.NewSource(empty), store.NewMemoryStore(), keys.New())
	_, err = e.AssignPreferred(context.Background(), 1)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestDelete(t *testing.T) {
	n := &recordingNotifier{err: errors.New("no edge connected")}
	e, _ := newEngine(t, WithNotifier(n))
	ctx := context.Background()

	res, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)
	id := res.Assignment.ID

	err = e.Delete(ctx, 8, id)
	assert.ErrorIs(t, err, ErrForbidden)
	list, err := e.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	require.NoError(t, e.Delete(ctx, 7, id))
	assert.ErrorIs(t, e.Delete(ctx, 7, id), ErrNotFound)

	list, err = e.List(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.Len(t, n.events, 2)
	assert.Equal(t, model.PeerRemoved, n.events[1].Type)
}

func TestRevoke(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	res, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)

	require.NoError(t, e.Revoke(ctx, res.Assignment.ID))
	assert.ErrorIs(t, e.Revoke(ctx, res.Assignment.ID), ErrNotFound)

	// the freed address can go to the colliding user
	res, err = e.Assign(ctx, 261, "fra-1")
	require.NoError(t, err)
	assert.Equal(t, "10.3.0.9/32", res.Assignment.Address)
}

func TestConfig(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Config(ctx, 7, "fra-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Config(ctx, 7, "mars-1")
	assert.ErrorIs(t, err, ErrServerUnavailable)

	res, err := e.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)
	cfg, err := e.Config(ctx, 7, "fra-1")
	require.NoError(t, err)
	assert.Contains(t, cfg, "PrivateKey = "+res.Assignment.PrivateKey+"\n")
	assert.Contains(t, cfg, "Address = 10.3.0.9/32\n")
	assert.Contains(t, cfg, "PublicKey = "+serverKey+"\n")
}

func TestStats(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	for _, uid := range []uint64{1, 2, 3} {
		_, err := e.Assign(ctx, uid, "fra-1")
		require.NoError(t, err)
	}
	_, err := e.Assign(ctx, 1, "ams-1")
	require.NoError(t, err)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ActiveUsers)
	assert.Equal(t, 4, st.Assignments)
	require.Len(t, st.Servers, 4)
	byID := map[string]ServerStats{}
	for _, s := range st.Servers {
		byID[s.ServerID] = s
	}
	assert.Equal(t, 3, byID["fra-1"].Assignments)
	assert.Equal(t, uint64(253), byID["fra-1"].Capacity)
	assert.Equal(t, model.StateMaintenance, byID["nyc-1"].State)
	assert.Equal(t, uint64(0), byID["tiny-1"].Capacity)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "created", outcome(Result{}, nil))
	assert.Equal(t, "reused", outcome(Result{Reused: true}, nil))
	assert.Equal(t, "address_exhausted", outcome(Result{}, ErrAddressExhausted))
	assert.Equal(t, "canceled", outcome(Result{}, context.Canceled))
	assert.Equal(t, "failed", outcome(Result{}, errors.New("x")))
}
