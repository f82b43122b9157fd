// Package engine decides, for a (user, server) pair, which tunnel assignment
// the user gets. It creates the record on first request and returns the same
// record on every later one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modernvpn/pkg/allocator"
	"modernvpn/pkg/catalog"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/log"
	"modernvpn/pkg/metrics"
	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
	"modernvpn/pkg/wireguard"
)

var (
	ErrServerUnavailable   = errors.New("server unavailable")
	ErrAddressExhausted    = errors.New("address exhausted")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("assignment not found")
)

// State is the step an assignment request reached.
type State string

const (
	StateRequested    State = "REQUESTED"
	StateLookup       State = "LOOKUP"
	StateReuse        State = "REUSE"
	StateAllocate     State = "ALLOCATE"
	StateGenerateKeys State = "GENERATE_KEYS"
	StatePersist      State = "PERSIST"
	StateReady        State = "READY"
	StateFailed       State = "FAILED"
)

// Catalog is the read side of the server catalog.
type Catalog interface {
	Get(id string) (model.Server, error)
	List() []model.Server
	All() []model.Server
}

type KeyGenerator interface {
	Generate(ctx context.Context) (keys.KeyPair, error)
}

// Notifier receives peer changes. Delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, ev model.PeerEvent) error
}

// Result is the outcome of a successful Assign.
type Result struct {
	Assignment model.Assignment `json:"assignment"`
	Server     model.Server     `json:"server"`
	Reused     bool             `json:"reused"`
	State      State            `json:"state"`
}

// ServerStats counts assignments held on one server.
type ServerStats struct {
	ServerID    string            `json:"serverId"`
	State       model.ServerState `json:"state"`
	Load        int               `json:"load"`
	Assignments int               `json:"assignments"`
	Capacity    uint64            `json:"capacity"`
}

type Stats struct {
	ActiveUsers int           `json:"activeUsers"`
	Assignments int           `json:"assignments"`
	Servers     []ServerStats `json:"servers"`
}

type Engine struct {
	catalog  Catalog
	store    store.AssignmentStore
	keys     KeyGenerator
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cat Catalog, st store.AssignmentStore, kg KeyGenerator, opts ...Option) *Engine {
	e := &Engine{
		catalog: cat,
		store:   st,
		keys:    kg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Assign returns the user's assignment on serverID, creating it if needed.
// Concurrent calls for the same pair all return the single stored record.
func (e *Engine) Assign(ctx context.Context, userID uint64, serverID string) (Result, error) {
	start := time.Now()
	ctx = log.WithModule(ctx, "engine")
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(logrus.Fields{
		"user_id":   userID,
		"server_id": serverID,
	}))

	res, err := e.assign(ctx, userID, serverID)
	e.metrics.ObserveAssign(outcome(res, err), time.Since(start))
	if err != nil {
		log.G(ctx).WithError(err).Debugf("assign %s", StateFailed)
		return Result{State: StateFailed}, err
	}
	if res.Reused {
		log.G(ctx).WithField("assignment_id", res.Assignment.ID).Info("assignment reused")
	} else {
		log.G(ctx).WithFields(logrus.Fields{
			"assignment_id": res.Assignment.ID,
			"address":       res.Assignment.Address,
		}).Info("assignment created")
	}
	return res, nil
}

func (e *Engine) assign(ctx context.Context, userID uint64, serverID string) (Result, error) {
	logger := log.G(ctx)

	logger.Debug(StateRequested)
	server, err := e.catalog.Get(serverID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}
	if !server.Online() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrServerUnavailable, server.ID, server.State)
	}

	logger.Debug(StateLookup)
	existing, ok, err := e.store.Find(ctx, userID, serverID)
	if err != nil {
		return Result{}, storeErr(err)
	}
	if ok {
		return Result{Assignment: existing, Server: server, Reused: true, State: StateReuse}, nil
	}

	logger.Debug(StateAllocate)
	prefix, err := allocator.Allocate(server, userID)
	if err != nil {
		if errors.Is(err, allocator.ErrAddressExhausted) {
			return Result{}, fmt.Errorf("%w: %w", ErrAddressExhausted, err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}
	address := prefix.String()
	holder, held, err := e.store.FindByAddress(ctx, serverID, address)
	if err != nil {
		return Result{}, storeErr(err)
	}
	if held && holder.UserID != userID {
		return Result{}, fmt.Errorf("%w: %s on %s is held by another user", ErrAddressExhausted, address, serverID)
	}

	logger.Debug(StateGenerateKeys)
	pair, err := e.keys.Generate(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	logger.Debug(StatePersist)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	rec := model.Assignment{
		ID:         e.newID(),
		UserID:     userID,
		ServerID:   serverID,
		PrivateKey: pair.PrivateKey,
		PublicKey:  pair.PublicKey,
		Address:    address,
		CreatedAt:  e.now().UTC().Truncate(time.Microsecond),
	}
	stored, inserted, err := e.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		if errors.Is(err, store.ErrAddressConflict) {
			return Result{}, fmt.Errorf("%w: %w", ErrAddressExhausted, err)
		}
		return Result{}, storeErr(err)
	}
	if !inserted {
		return Result{Assignment: stored, Server: server, Reused: true, State: StateReuse}, nil
	}
	e.publish(ctx, model.PeerAdded, stored)
	return Result{Assignment: stored, Server: server, State: StateReady}, nil
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Reused:
		return metrics.OutcomeReused
	case err == nil:
		return metrics.OutcomeCreated
	case errors.Is(err, ErrServerUnavailable):
		return "server_unavailable"
	case errors.Is(err, ErrAddressExhausted):
		return "address_exhausted"
	case errors.Is(err, ErrKeyGenerationFailed):
		return "key_generation_failed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

// AssignPreferred assigns the user to the least loaded online server that
// can take them. An existing assignment on an online server wins over load.
func (e *Engine) AssignPreferred(ctx context.Context, userID uint64) (Result, error) {
	servers := e.catalog.List()
	if len(servers) == 0 {
		return Result{State: StateFailed}, fmt.Errorf("%w: no online servers", ErrServerUnavailable)
	}
	owned, err := e.store.ListForUser(ctx, userID)
	if err != nil {
		return Result{State: StateFailed}, storeErr(err)
	}
	if len(owned) > 0 {
		online := make(map[string]bool, len(servers))
		for _, s := range servers {
			online[s.ID] = true
		}
		for _, a := range owned {
			if online[a.ServerID] {
				return e.Assign(ctx, userID, a.ServerID)
			}
		}
	}

	var lastErr error
	for _, s := range servers {
		res, err := e.Assign(ctx, userID, s.ID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrAddressExhausted) && !errors.Is(err, ErrServerUnavailable) {
			return res, err
		}
		lastErr = err
	}
	return Result{State: StateFailed}, lastErr
}

func (e *Engine) List(ctx context.Context, userID uint64) ([]model.Assignment, error) {
	list, err := e.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

// ListForServer returns every assignment on serverID. Used for edge peer sync.
func (e *Engine) ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error) {
	if _, err := e.catalog.Get(serverID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}
	list, err := e.store.ListForServer(ctx, serverID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

func (e *Engine) lookup(ctx context.Context, id string) (model.Assignment, error) {
	a, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Assignment{}, storeErr(err)
	}
	if !ok {
		return model.Assignment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func removeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrForbidden):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	default:
		return storeErr(err)
	}
}

// Delete removes an assignment owned by requesterID.
func (e *Engine) Delete(ctx context.Context, requesterID uint64, assignmentID string) error {
	a, err := e.lookup(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, a.UserID, a.ServerID, requesterID); err != nil {
		return removeErr(err)
	}
	log.G(ctx).WithFields(logrus.Fields{"assignment_id": a.ID, "user_id": requesterID}).Info("assignment deleted")
	e.publish(ctx, model.PeerRemoved, a)
	return nil
}

// Revoke removes an assignment regardless of owner.
func (e *Engine) Revoke(ctx context.Context, assignmentID string) error {
	a, err := e.lookup(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := e.store.Revoke(ctx, a.UserID, a.ServerID); err != nil {
		return removeErr(err)
	}
	log.G(ctx).WithFields(logrus.Fields{"assignment_id": a.ID, "owner_id": a.UserID}).Info("assignment revoked")
	e.publish(ctx, model.PeerRemoved, a)
	return nil
}

// Config renders the client config of the user's existing assignment.
func (e *Engine) Config(ctx context.Context, userID uint64, serverID string) (string, error) {
	server, err := e.catalog.Get(serverID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}
	a, ok, err := e.store.Find(ctx, userID, serverID)
	if err != nil {
		return "", storeErr(err)
	}
	if !ok {
		return "", fmt.Errorf("%w: user %d has no assignment on %s", ErrNotFound, userID, serverID)
	}
	return wireguard.RenderClient(a, server), nil
}

// Stats counts assignments per catalog server, including servers not online.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	users := map[uint64]struct{}{}
	for _, s := range e.catalog.All() {
		list, err := e.store.ListForServer(ctx, s.ID)
		if err != nil {
			return Stats{}, storeErr(err)
		}
		var capacity uint64
		if prefix, err := allocator.ParseSubnet(s.Subnet); err == nil {
			capacity = allocator.UsableHosts(prefix)
		}
		for _, a := range list {
			users[a.UserID] = struct{}{}
		}
		st.Assignments += len(list)
		st.Servers = append(st.Servers, ServerStats{
			ServerID:    s.ID,
			State:       s.State,
			Load:        s.Load,
			Assignments: len(list),
			Capacity:    capacity,
		})
	}
	st.ActiveUsers = len(users)
	return st, nil
}

// Ping reports whether the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, t model.PeerEventType, a model.Assignment) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, model.EventFor(t, a, e.now().UTC())); err != nil {
		log.G(ctx).WithError(err).WithField("assignment_id", a.ID).Warn("peer event not delivered")
	}
}

var _ Catalog = (*catalog.Source)(nil)
