package agent

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modernvpn/pkg/api"
	"modernvpn/pkg/auth"
	"modernvpn/pkg/catalog"
	"modernvpn/pkg/engine"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
)

const edgeToken = "edge-secret"

type controller struct {
	ts     *httptest.Server
	engine *engine.Engine
	hub    *api.WSHub
}

func newController(t *testing.T) *controller {
	t.Helper()
	c, err := catalog.Load("../catalog/testdata/catalog.yaml")
	require.NoError(t, err)
	src := catalog.NewSource(c)
	hub := api.NewWSHub()
	eng := engine.New(src, store.NewMemoryStore(), keys.New(), engine.WithNotifier(hub))
	issuer, err := auth.NewIssuer("s", time.Hour)
	require.NoError(t, err)
	srv := api.New(api.Config{EdgeToken: edgeToken}, api.Deps{Engine: eng, Catalog: src, Issuer: issuer, Hub: hub})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &controller{ts: ts, engine: eng, hub: hub}
}

func edgeKey(t *testing.T) string {
	kp, err := keys.New().Generate(context.Background())
	require.NoError(t, err)
	return kp.PrivateKey
}

func readFile(t *testing.T, p string) string {
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return string(b)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ServerID: "fra-1", OutputPath: "x", PrivateKey: edgeKey(t)})
	assert.Error(t, err)
	_, err = New(Config{Controller: "http://c", ServerID: "fra-1", PrivateKey: edgeKey(t)})
	assert.Error(t, err)
	_, err = New(Config{Controller: "http://c", ServerID: "fra-1", OutputPath: "x", PrivateKey: "nope"})
	assert.Error(t, err)
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://vpn.example.net/base", "fra-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://vpn.example.net/base/api/v1/edge/fra-1/ws", u)
	u, err = wsURL("http://127.0.0.1:8080", "fra-1")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/api/v1/edge/fra-1/ws", u)
}

func TestSyncAndApply(t *testing.T) {
	ctl := newController(t)
	ctx := context.Background()
	res, err := ctl.engine.Assign(ctx, 7, "fra-1")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "wg0.conf")
	a, err := New(Config{Controller: ctl.ts.URL, ServerID: "fra-1", Token: edgeToken, PrivateKey: edgeKey(t), OutputPath: out})
	require.NoError(t, err)

	// ignored before the first sync
	require.NoError(t, a.Apply(ctx, model.PeerEvent{Type: model.PeerAdded, ServerID: "fra-1", AssignmentID: "early", PublicKey: res.Assignment.PublicKey}))
	assert.Empty(t, a.Peers())

	require.NoError(t, a.Sync(ctx))
	conf := readFile(t, out)
	assert.Contains(t, conf, "Address = 10.3.0.1/24\n")
	assert.Contains(t, conf, "ListenPort = 51820\n")
	assert.Contains(t, conf, "AllowedIPs = 10.3.0.9/32\n")
	assert.NotContains(t, conf, res.Assignment.PrivateKey)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, a.Apply(ctx, model.PeerEvent{Type: model.PeerAdded, ServerID: "fra-1", AssignmentID: "bad", PublicKey: "not-a-key", Address: "10.3.0.50/32"}))
	require.NoError(t, a.Apply(ctx, model.PeerEvent{Type: model.PeerAdded, ServerID: "ams-1", AssignmentID: "other", PublicKey: res.Assignment.PublicKey}))
	assert.Len(t, a.Peers(), 1)

	require.NoError(t, a.Apply(ctx, model.PeerEvent{Type: model.PeerRemoved, ServerID: "fra-1", AssignmentID: res.Assignment.ID}))
	assert.Empty(t, a.Peers())
	assert.NotContains(t, readFile(t, out), "[Peer]")
}

func TestSyncUnauthorized(t *testing.T) {
	ctl := newController(t)
	a, err := New(Config{Controller: ctl.ts.URL, ServerID: "fra-1", Token: "wrong", PrivateKey: edgeKey(t), OutputPath: filepath.Join(t.TempDir(), "wg0.conf")})
	require.NoError(t, err)
	err = a.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRunFollowsEvents(t *testing.T) {
	ctl := newController(t)
	out := filepath.Join(t.TempDir(), "wg0.conf")
	a, err := New(Config{
		Controller: ctl.ts.URL,
		ServerID:   "fra-1",
		Token:      edgeToken,
		PrivateKey: edgeKey(t),
		OutputPath: out,
		RetryDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(readFile(t, out), "[Interface]") }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return ctl.hub.Connected("fra-1") == 1 }, 3*time.Second, 20*time.Millisecond)

	res, err := ctl.engine.Assign(context.Background(), 7, "fra-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, out), "PublicKey = "+res.Assignment.PublicKey)
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, ctl.engine.Revoke(context.Background(), res.Assignment.ID))
	require.Eventually(t, func() bool { return !strings.Contains(readFile(t, out), "[Peer]") }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}
