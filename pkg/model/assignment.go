package model

import "time"

// Assignment binds one user to one edge server with a tunnel address and key pair.
// (UserID, ServerID) is the natural key; records are created or deleted, never updated.
type Assignment struct {
	ID         string    `json:"id"`
	UserID     uint64    `json:"userId"`
	ServerID   string    `json:"serverId"`
	PrivateKey string    `json:"privateKey,omitempty"` // only returned to the owner
	PublicKey  string    `json:"publicKey"`
	Address    string    `json:"address"` // single host, e.g. 10.3.0.9/32
	CreatedAt  time.Time `json:"createdAt"`
}

// Redacted returns a copy without the private key.
func (a Assignment) Redacted() Assignment {
	a.PrivateKey = ""
	return a
}
