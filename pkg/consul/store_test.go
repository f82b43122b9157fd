package consul

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modernvpn/pkg/store"
	"modernvpn/pkg/store/storetest"
)

func TestKeys(t *testing.T) {
	s, err := NewStore(Config{Address: "127.0.0.1:8500", Prefix: "test"})
	require.NoError(t, err)

	assert.Equal(t, "test/assignments/fra-1/7", s.assignmentKey("fra-1", 7))
	assert.Equal(t, "test/addresses/fra-1/10.3.0.9", s.addressKey("fra-1", "10.3.0.9/32"))
	assert.Equal(t, "test/ids/abc", s.idKey("abc"))
}

// TestStoreIntegration runs against a live agent when CONSUL_HTTP_ADDR is set.
func TestStoreIntegration(t *testing.T) {
	addr := os.Getenv("CONSUL_HTTP_ADDR")
	if addr == "" {
		t.Skip("CONSUL_HTTP_ADDR not set")
	}
	storetest.Run(t, func(t *testing.T) store.AssignmentStore {
		s, err := NewStore(Config{Address: addr, Prefix: "modernvpn-test/" + uuid.NewString()})
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = s.cli.KV().DeleteTree(s.prefix, nil) })
		return s
	})
}
