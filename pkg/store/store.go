package store

import (
	"context"
	"errors"

	"modernvpn/pkg/model"
)

var (
	// ErrNotFound is returned when no assignment matches.
	ErrNotFound = errors.New("assignment not found")
	// ErrForbidden is returned when a user deletes an assignment it does not own.
	ErrForbidden = errors.New("assignment owned by another user")
	// ErrAddressConflict is returned by InsertIfAbsent when another user
	// already holds the address on the same server.
	ErrAddressConflict = errors.New("address already assigned on server")
)

// AssignmentStore is the persistence layer for tunnel assignments. Implementations
// must make InsertIfAbsent atomic on the (user, server) key and must reject a
// second assignment of the same address on one server.
type AssignmentStore interface {
	Find(ctx context.Context, userID uint64, serverID string) (model.Assignment, bool, error)
	FindByAddress(ctx context.Context, serverID, address string) (model.Assignment, bool, error)
	Get(ctx context.Context, id string) (model.Assignment, bool, error)
	// InsertIfAbsent stores a unless a record for (a.UserID, a.ServerID) exists.
	// It returns the stored record and whether a was the one inserted.
	InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error)
	ListForUser(ctx context.Context, userID uint64) ([]model.Assignment, error)
	ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error)
	// Delete removes the (userID, serverID) record if requesterID owns it.
	Delete(ctx context.Context, userID uint64, serverID string, requesterID uint64) error
	// Revoke removes the record without an ownership check.
	Revoke(ctx context.Context, userID uint64, serverID string) error
	Ping(ctx context.Context) error
}
