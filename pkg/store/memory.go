package store

import (
	"context"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"modernvpn/pkg/model"
)

const (
	tableAssignment = "assignment"

	indexID         = "id"
	indexUser       = "user"
	indexServer     = "server"
	indexUserServer = "user_server"
	indexAddress    = "server_address"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableAssignment: {
				Name: tableAssignment,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexUser: {
						Name:    indexUser,
						Indexer: &memdb.UintFieldIndex{Field: "UserID"},
					},
					indexServer: {
						Name:    indexServer,
						Indexer: &memdb.StringFieldIndex{Field: "ServerID"},
					},
					indexUserServer: {
						Name:   indexUserServer,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.UintFieldIndex{Field: "UserID"},
							&memdb.StringFieldIndex{Field: "ServerID"},
						}},
					},
					indexAddress: {
						Name:   indexAddress,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ServerID"},
							&memdb.StringFieldIndex{Field: "Address"},
						}},
					},
				},
			},
		},
	}
}

// MemoryStore keeps assignments in go-memdb, intended for dev/demo and tests.
// memdb allows a single writer at a time, so the lookup and insert inside one
// write transaction are atomic.
type MemoryStore struct {
	db *memdb.MemDB
}

func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		// schema is static; failure is a programming error
		panic(err)
	}
	return &MemoryStore{db: db}
}

func (m *MemoryStore) first(index string, args ...interface{}) (model.Assignment, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	return firstIn(txn, index, args...)
}

func firstIn(txn *memdb.Txn, index string, args ...interface{}) (model.Assignment, bool, error) {
	raw, err := txn.First(tableAssignment, index, args...)
	if err != nil || raw == nil {
		return model.Assignment{}, false, err
	}
	return *raw.(*model.Assignment), true, nil
}

func (m *MemoryStore) Find(_ context.Context, userID uint64, serverID string) (model.Assignment, bool, error) {
	return m.first(indexUserServer, userID, serverID)
}

func (m *MemoryStore) FindByAddress(_ context.Context, serverID, address string) (model.Assignment, bool, error) {
	return m.first(indexAddress, serverID, address)
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Assignment, bool, error) {
	return m.first(indexID, id)
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, a model.Assignment) (model.Assignment, bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	existing, ok, err := firstIn(txn, indexUserServer, a.UserID, a.ServerID)
	if err != nil {
		return model.Assignment{}, false, err
	}
	if ok {
		return existing, false, nil
	}
	if _, taken, err := firstIn(txn, indexAddress, a.ServerID, a.Address); err != nil {
		return model.Assignment{}, false, err
	} else if taken {
		return model.Assignment{}, false, ErrAddressConflict
	}
	rec := a
	if err := txn.Insert(tableAssignment, &rec); err != nil {
		return model.Assignment{}, false, err
	}
	txn.Commit()
	return a, true, nil
}

func (m *MemoryStore) list(index string, arg interface{}) ([]model.Assignment, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAssignment, index, arg)
	if err != nil {
		return nil, err
	}
	out := []model.Assignment{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*model.Assignment))
	}
	SortAssignments(out)
	return out, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID uint64) ([]model.Assignment, error) {
	return m.list(indexUser, userID)
}

func (m *MemoryStore) ListForServer(_ context.Context, serverID string) ([]model.Assignment, error) {
	return m.list(indexServer, serverID)
}

func (m *MemoryStore) Delete(_ context.Context, userID uint64, serverID string, requesterID uint64) error {
	return m.remove(userID, serverID, func(model.Assignment) error {
		if requesterID != userID {
			return ErrForbidden
		}
		return nil
	})
}

func (m *MemoryStore) Revoke(_ context.Context, userID uint64, serverID string) error {
	return m.remove(userID, serverID, nil)
}

func (m *MemoryStore) remove(userID uint64, serverID string, check func(model.Assignment) error) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableAssignment, indexUserServer, userID, serverID)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	if check != nil {
		if err := check(*raw.(*model.Assignment)); err != nil {
			return err
		}
	}
	if err := txn.Delete(tableAssignment, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Ping reports readiness for health endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// SortAssignments orders records by creation time, then id, so listings are stable.
func SortAssignments(list []model.Assignment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
