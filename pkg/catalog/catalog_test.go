package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modernvpn/pkg/model"
)

const testKey = "t8kWCuEeKmb6bV/Tpx0byyzoFe1KK6F3LpnDV/yBe+A="

func srv(id string, state model.ServerState, load int) model.Server {
	return model.Server{
		ID:        id,
		Region:    "eu",
		Subnet:    "10.3.0.0/24",
		Endpoint:  id + ".example.net:51820",
		State:     state,
		Load:      load,
		PublicKey: testKey,
	}
}

func ids(servers []model.Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}

func TestListOrdering(t *testing.T) {
	c, err := New([]model.Server{
		srv("c", model.StateOnline, 50),
		srv("b", model.StateOnline, 10),
		srv("a", model.StateOnline, 10),
		srv("d", model.StateMaintenance, 0),
		srv("e", model.StateOffline, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, ids(c.List()))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(c.All()))
}

func TestGet(t *testing.T) {
	c, err := New([]model.Server{srv("a", model.StateMaintenance, 1)})
	require.NoError(t, err)

	s, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.StateMaintenance, s.State)

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsCopy(t *testing.T) {
	c, err := New([]model.Server{srv("a", model.StateOnline, 1)})
	require.NoError(t, err)
	l := c.List()
	l[0].ID = "mutated"
	assert.Equal(t, "a", c.List()[0].ID)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Server)
	}{
		{"empty id", func(s *model.Server) { s.ID = "" }},
		{"bad state", func(s *model.Server) { s.State = "draining" }},
		{"load too high", func(s *model.Server) { s.Load = 101 }},
		{"negative load", func(s *model.Server) { s.Load = -1 }},
		{"ipv6 subnet", func(s *model.Server) { s.Subnet = "fd00::/64" }},
		{"bad endpoint", func(s *model.Server) { s.Endpoint = "no-port" }},
		{"bad key", func(s *model.Server) { s.PublicKey = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := srv("a", model.StateOnline, 1)
			tt.mutate(&s)
			_, err := New([]model.Server{s})
			assert.Error(t, err)
		})
	}

	_, err := New([]model.Server{srv("a", model.StateOnline, 1), srv("a", model.StateOnline, 2)})
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoad(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"ams-1", "sgp-1", "fra-1"}, ids(c.List()))
	fra, err := c.Get("fra-1")
	require.NoError(t, err)
	assert.Equal(t, "Frankfurt", fra.City)
	assert.Equal(t, "10.3.0.0/24", fra.Subnet)
}

func TestSourceReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`servers:
  - id: one
    subnet: 10.9.0.0/24
    endpoint: one.example.net:51820
    state: online
    publicKey: `+testKey+`
`), 0o600))

	first, err := Load(path)
	require.NoError(t, err)
	src := NewSource(first)
	assert.Equal(t, []string{"one"}, ids(src.List()))

	require.NoError(t, os.WriteFile(path, []byte("servers: [ {id: broken"), 0o600))
	_, err = src.Reload(path)
	require.Error(t, err)
	assert.Same(t, first, src.Current())

	require.NoError(t, os.WriteFile(path, []byte(`servers:
  - id: two
    subnet: 10.9.0.0/24
    endpoint: two.example.net:51820
    state: online
    publicKey: `+testKey+`
`), 0o600))
	_, err = src.Reload(path)
	require.NoError(t, err)
	_, err = src.Get("one")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = src.Get("two")
	assert.NoError(t, err)
}
