// Package consul stores tunnel assignments in Consul KV. The conditional insert
// is a KV transaction that creates the assignment key and the address claim
// key with CAS index 0, so either both are written or neither is.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
)

const defaultPrefix = "modernvpn/"

// Config selects the Consul agent and key prefix.
type Config struct {
	Address string
	Token   string
	Prefix  string
}

// Store is a Consul-backed AssignmentStore.
type Store struct {
	cli    *consulapi.Client
	prefix string
}

func NewStore(cfg Config) (*Store, error) {
	ccfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		ccfg.Token = cfg.Token
	}
	cli, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{cli: cli, prefix: prefix}, nil
}

func (s *Store) assignmentsPrefix() string { return s.prefix + "assignments/" }

func (s *Store) assignmentKey(serverID string, userID uint64) string {
	return s.assignmentsPrefix() + serverID + "/" + strconv.FormatUint(userID, 10)
}

func (s *Store) addressKey(serverID, address string) string {
	host := address
	if p, err := netip.ParsePrefix(address); err == nil {
		host = p.Addr().String()
	}
	return s.prefix + "addresses/" + serverID + "/" + host
}

func (s *Store) idKey(id string) string { return s.prefix + "ids/" + id }

func (s *Store) getJSON(ctx context.Context, key string) (model.Assignment, uint64, bool, error) {
	kv, _, err := s.cli.KV().Get(key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return model.Assignment{}, 0, false, err
	}
	var a model.Assignment
	if err := json.Unmarshal(kv.Value, &a); err != nil {
		return model.Assignment{}, 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return a, kv.ModifyIndex, true, nil
}

func (s *Store) Find(ctx context.Context, userID uint64, serverID string) (model.Assignment, bool, error) {
	a, _, ok, err := s.getJSON(ctx, s.assignmentKey(serverID, userID))
	return a, ok, err
}

func (s *Store) FindByAddress(ctx context.Context, serverID, address string) (model.Assignment, bool, error) {
	kv, _, err := s.cli.KV().Get(s.addressKey(serverID, address), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return model.Assignment{}, false, err
	}
	return s.Get(ctx, string(kv.Value))
}

func (s *Store) Get(ctx context.Context, id string) (model.Assignment, bool, error) {
	kv, _, err := s.cli.KV().Get(s.idKey(id), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil || kv == nil {
		return model.Assignment{}, false, err
	}
	a, _, ok, err := s.getJSON(ctx, string(kv.Value))
	return a, ok, err
}

func (s *Store) InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return model.Assignment{}, false, err
	}
	key := s.assignmentKey(a.ServerID, a.UserID)
	ops := consulapi.TxnOps{
		// CAS with index 0 only succeeds if the key does not exist yet.
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: key, Value: b, Index: 0}},
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: s.addressKey(a.ServerID, a.Address), Value: []byte(a.ID), Index: 0}},
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVSet, Key: s.idKey(a.ID), Value: []byte(key)}},
	}
	ok, _, _, err := s.cli.Txn().Txn(ops, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return model.Assignment{}, false, err
	}
	if ok {
		return a, true, nil
	}
	return store.ResolveConflict(ctx, s, a)
}

func (s *Store) list(ctx context.Context, prefix string, keep func(model.Assignment) bool) ([]model.Assignment, error) {
	pairs, _, err := s.cli.KV().List(prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := []model.Assignment{}
	for _, p := range pairs {
		var a model.Assignment
		if err := json.Unmarshal(p.Value, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Key, err)
		}
		if keep == nil || keep(a) {
			out = append(out, a)
		}
	}
	store.SortAssignments(out)
	return out, nil
}

func (s *Store) ListForUser(ctx context.Context, userID uint64) ([]model.Assignment, error) {
	return s.list(ctx, s.assignmentsPrefix(), func(a model.Assignment) bool { return a.UserID == userID })
}

func (s *Store) ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error) {
	return s.list(ctx, s.assignmentsPrefix()+serverID+"/", nil)
}

func (s *Store) Delete(ctx context.Context, userID uint64, serverID string, requesterID uint64) error {
	return s.remove(ctx, userID, serverID, func() error {
		if requesterID != userID {
			return store.ErrForbidden
		}
		return nil
	})
}

func (s *Store) Revoke(ctx context.Context, userID uint64, serverID string) error {
	return s.remove(ctx, userID, serverID, nil)
}

func (s *Store) remove(ctx context.Context, userID uint64, serverID string, check func() error) error {
	key := s.assignmentKey(serverID, userID)
	a, index, ok, err := s.getJSON(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	ops := consulapi.TxnOps{
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVDeleteCAS, Key: key, Index: index}},
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVDelete, Key: s.addressKey(a.ServerID, a.Address)}},
		{KV: &consulapi.KVTxnOp{Verb: consulapi.KVDelete, Key: s.idKey(a.ID)}},
	}
	ok, _, _, err = s.cli.Txn().Txn(ops, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if !ok {
		// deleted or replaced since we read it
		return store.ErrNotFound
	}
	return nil
}

// Ping checks that the agent has a cluster leader.
func (s *Store) Ping(ctx context.Context) error {
	leader, err := s.cli.Status().LeaderWithQueryOptions((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if leader == "" {
		return errors.New("consul has no leader")
	}
	return nil
}
