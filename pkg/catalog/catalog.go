// Package catalog holds the read-only set of edge servers. A Catalog is an
// immutable snapshot; Source swaps whole snapshots when the file is reloaded.
package catalog

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"

	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"modernvpn/pkg/allocator"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/model"
)

// ErrNotFound is returned by Get for unknown server ids.
var ErrNotFound = errors.New("server not found")

// Catalog is an immutable server snapshot.
type Catalog struct {
	byID   map[string]model.Server
	online []model.Server
	all    []model.Server
}

type file struct {
	Servers []model.Server `yaml:"servers"`
}

// New validates servers and builds a snapshot.
func New(servers []model.Server) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Server, len(servers))}
	for _, s := range servers {
		if err := validate(s); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate server id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.all = append(c.all, s)
		if s.Online() {
			c.online = append(c.online, s)
		}
	}
	sort.Slice(c.all, func(i, j int) bool { return c.all[i].ID < c.all[j].ID })
	// least loaded first so callers without a preference get the best candidate
	sort.SliceStable(c.online, func(i, j int) bool {
		if c.online[i].Load != c.online[j].Load {
			return c.online[i].Load < c.online[j].Load
		}
		return c.online[i].ID < c.online[j].ID
	})
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(f.Servers)
}

// List returns online servers, ascending by load then id.
func (c *Catalog) List() []model.Server {
	return append([]model.Server(nil), c.online...)
}

// All returns every server sorted by id, whatever its state.
func (c *Catalog) All() []model.Server {
	return append([]model.Server(nil), c.all...)
}

func (c *Catalog) Get(id string) (model.Server, error) {
	s, ok := c.byID[id]
	if !ok {
		return model.Server{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func validate(s model.Server) error {
	if s.ID == "" {
		return errors.New("server id is required")
	}
	if !s.State.Valid() {
		return fmt.Errorf("server %s: invalid state %q", s.ID, s.State)
	}
	if s.Load < 0 || s.Load > 100 {
		return fmt.Errorf("server %s: load %d out of range 0-100", s.ID, s.Load)
	}
	if _, err := allocator.ParseSubnet(s.Subnet); err != nil {
		return fmt.Errorf("server %s: %w", s.ID, err)
	}
	if _, _, err := net.SplitHostPort(s.Endpoint); err != nil {
		return fmt.Errorf("server %s: endpoint: %w", s.ID, err)
	}
	if _, err := keys.ParsePublicKey(s.PublicKey); err != nil {
		return fmt.Errorf("server %s: public key: %w", s.ID, err)
	}
	return nil
}

// Source serves the current snapshot and allows wholesale replacement.
type Source struct {
	cur *atomic.Pointer[Catalog]
}

func NewSource(c *Catalog) *Source {
	return &Source{cur: atomic.NewPointer(c)}
}

// Current returns the active snapshot.
func (s *Source) Current() *Catalog {
	return s.cur.Load()
}

// Reload loads path and swaps it in. The previous snapshot stays active on error.
func (s *Source) Reload(path string) (*Catalog, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(c)
	return c, nil
}

func (s *Source) List() []model.Server { return s.Current().List() }

func (s *Source) All() []model.Server { return s.Current().All() }

func (s *Source) Get(id string) (model.Server, error) { return s.Current().Get(id) }
