package api

import (
	"context"

	"modernvpn/pkg/engine"
	"modernvpn/pkg/model"
)

// Assigner is the assignment engine as seen by the HTTP layer.
type Assigner interface {
	Assign(ctx context.Context, userID uint64, serverID string) (engine.Result, error)
	AssignPreferred(ctx context.Context, userID uint64) (engine.Result, error)
	List(ctx context.Context, userID uint64) ([]model.Assignment, error)
	ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error)
	Delete(ctx context.Context, requesterID uint64, assignmentID string) error
	Revoke(ctx context.Context, assignmentID string) error
	Config(ctx context.Context, userID uint64, serverID string) (string, error)
	Stats(ctx context.Context) (engine.Stats, error)
	Ping(ctx context.Context) error
}

// AssignRequest asks for an assignment. An empty ServerID picks the least
// loaded online server.
type AssignRequest struct {
	ServerID string `json:"serverId"`
}

// AssignResponse carries the record and its rendered client config.
type AssignResponse struct {
	Assignment model.Assignment `json:"assignment"`
	Server     model.Server     `json:"server"`
	Reused     bool             `json:"reused"`
	Config     string           `json:"config"`
}

// PeersResponse is the edge agent's full view of its server.
type PeersResponse struct {
	Server model.Server       `json:"server"`
	Peers  []model.Assignment `json:"peers"`
}
