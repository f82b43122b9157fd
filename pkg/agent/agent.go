// Package agent keeps an edge server's WireGuard interface file in step with
// the controller's assignments for that server.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"modernvpn/pkg/api"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/log"
	"modernvpn/pkg/model"
	"modernvpn/pkg/wireguard"
)

const defaultRetryDelay = 5 * time.Second

type Config struct {
	// Controller is the controller base URL, e.g. https://vpn.example.net.
	Controller string
	ServerID   string
	// Token is the shared edge token.
	Token string
	// PrivateKey is the edge interface private key (base64).
	PrivateKey string
	// ListenPort overrides the port taken from the server endpoint.
	ListenPort int
	// OutputPath is the interface file to maintain, e.g. /etc/wireguard/wg0.conf.
	OutputPath string
	RetryDelay time.Duration
	// TLS applies to both the HTTP client and the websocket dialer.
	TLS        *tls.Config
	HTTPClient *http.Client
	// Applier, when set, loads every written file into the kernel.
	Applier *Applier
}

type Agent struct {
	cfg    Config
	dialer *websocket.Dialer

	mu       sync.Mutex
	server   model.Server
	peers    map[string]model.Assignment
	rendered string
	synced   bool
}

func New(cfg Config) (*Agent, error) {
	if cfg.Controller == "" || cfg.ServerID == "" {
		return nil, fmt.Errorf("controller and server id are required")
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if _, err := keys.ParsePublicKey(cfg.PrivateKey); err != nil {
		return nil, fmt.Errorf("edge private key: %w", err)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{TLSClientConfig: cfg.TLS},
		}
	}
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = cfg.TLS
	return &Agent{
		cfg:    cfg,
		dialer: &dialer,
		peers:  map[string]model.Assignment{},
	}, nil
}

// Run subscribes to peer events, resyncs on every (re)connect and rewrites the
// interface file on change. It returns when ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	ctx = log.WithModule(ctx, "agent")
	logger := log.G(ctx).WithField("server_id", a.cfg.ServerID)
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.WithError(err).Warnf("controller session ended, retrying in %s", a.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.RetryDelay):
		}
	}
}

// session subscribes first and then syncs, so events racing the sync are
// replayed on top of it.
func (a *Agent) session(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.G(ctx).Info("connected to controller")
	if err := a.Sync(ctx); err != nil {
		return err
	}
	return readEvents(ctx, conn, func(ev model.PeerEvent) {
		if err := a.Apply(ctx, ev); err != nil {
			log.G(ctx).WithError(err).Error("apply peer event")
		}
	})
}

func (a *Agent) peersURL() (string, error) {
	u, err := url.Parse(a.cfg.Controller)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, "/api/v1/edge", a.cfg.ServerID, "peers")
	return u.String(), nil
}

// Sync replaces the peer set with the controller's view.
func (a *Agent) Sync(ctx context.Context) error {
	endpoint, err := a.peersURL()
	if err != nil {
		return err
	}
	var resp api.PeersResponse
	if err := getJSON(ctx, a.cfg.HTTPClient, endpoint, a.cfg.Token, &resp); err != nil {
		return err
	}
	peers := make(map[string]model.Assignment, len(resp.Peers))
	for _, p := range resp.Peers {
		if !a.valid(ctx, p.ID, p.PublicKey) {
			continue
		}
		peers[p.ID] = p
	}
	a.mu.Lock()
	a.server = resp.Server
	a.peers = peers
	a.synced = true
	a.mu.Unlock()
	log.G(ctx).WithField("peers", len(peers)).Info("peer set synced")
	return a.write(ctx)
}

// Apply folds one event into the peer set. Events before the first Sync are
// ignored since the sync covers them.
func (a *Agent) Apply(ctx context.Context, ev model.PeerEvent) error {
	if ev.ServerID != a.cfg.ServerID {
		return nil
	}
	a.mu.Lock()
	if !a.synced {
		a.mu.Unlock()
		return nil
	}
	switch ev.Type {
	case model.PeerAdded:
		if !a.valid(ctx, ev.AssignmentID, ev.PublicKey) {
			a.mu.Unlock()
			return nil
		}
		a.peers[ev.AssignmentID] = model.Assignment{
			ID:        ev.AssignmentID,
			ServerID:  ev.ServerID,
			PublicKey: ev.PublicKey,
			Address:   ev.Address,
		}
	case model.PeerRemoved:
		delete(a.peers, ev.AssignmentID)
	default:
		a.mu.Unlock()
		log.G(ctx).WithField("type", ev.Type).Warn("unknown peer event")
		return nil
	}
	a.mu.Unlock()
	log.G(ctx).WithFields(logrus.Fields{"type": ev.Type, "assignment_id": ev.AssignmentID}).Debug("peer event applied")
	return a.write(ctx)
}

func (a *Agent) valid(ctx context.Context, id, publicKey string) bool {
	if _, err := keys.ParsePublicKey(publicKey); err != nil {
		log.G(ctx).WithError(err).WithField("assignment_id", id).Warn("skipping peer with invalid public key")
		return false
	}
	return true
}

// Peers returns the current peer set.
func (a *Agent) Peers() []model.Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Assignment, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	return out
}

// write renders the interface file and replaces it atomically when it changed.
func (a *Agent) write(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	peers := make([]model.Assignment, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	conf, err := wireguard.RenderServer(server, a.cfg.PrivateKey, a.cfg.ListenPort, peers)
	if err != nil {
		return fmt.Errorf("render interface: %w", err)
	}

	a.mu.Lock()
	if conf == a.rendered {
		a.mu.Unlock()
		return nil
	}
	if err := writeFileAtomic(a.cfg.OutputPath, []byte(conf), 0o600); err != nil {
		a.mu.Unlock()
		return err
	}
	a.rendered = conf
	a.mu.Unlock()
	log.G(ctx).WithFields(logrus.Fields{"path": a.cfg.OutputPath, "peers": len(peers)}).Info("interface config written")

	if a.cfg.Applier == nil {
		return nil
	}
	if err := a.cfg.Applier.Apply(ctx, a.cfg.OutputPath, server); err != nil {
		return fmt.Errorf("apply interface: %w", err)
	}
	return nil
}

func writeFileAtomic(p string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir output: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
