package model

// ServerState is the operational state of an edge server.
type ServerState string

const (
	StateOnline      ServerState = "online"
	StateMaintenance ServerState = "maintenance"
	StateOffline     ServerState = "offline"
)

// Valid reports whether s is one of the known states.
func (s ServerState) Valid() bool {
	switch s {
	case StateOnline, StateMaintenance, StateOffline:
		return true
	}
	return false
}

// Server describes an edge server in the catalog.
type Server struct {
	ID        string      `json:"id" yaml:"id"`
	Region    string      `json:"region" yaml:"region"`
	City      string      `json:"city,omitempty" yaml:"city"`
	Country   string      `json:"country,omitempty" yaml:"country"`
	Lat       float64     `json:"lat,omitempty" yaml:"lat"`
	Lng       float64     `json:"lng,omitempty" yaml:"lng"`
	Subnet    string      `json:"subnet" yaml:"subnet"`     // IPv4 CIDR client addresses are drawn from
	Endpoint  string      `json:"endpoint" yaml:"endpoint"` // host:port
	State     ServerState `json:"state" yaml:"state"`
	Load      int         `json:"load" yaml:"load"` // 0-100, advisory
	PublicKey string      `json:"publicKey" yaml:"publicKey"`
}

// Online reports whether new assignments may be issued on the server.
func (s Server) Online() bool {
	return s.State == StateOnline
}
