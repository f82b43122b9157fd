package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modernvpn/pkg/model"
)

type recordedCmd struct {
	line  string
	stdin string
}

func fakeApplier(up bool, egress string, fail func(line string) bool) (*Applier, *[]recordedCmd) {
	var cmds []recordedCmd
	ap := NewApplier("wg0", egress)
	ap.Exists = func(string) bool { return up }
	ap.Run = func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		line := name + " " + strings.Join(args, " ")
		cmds = append(cmds, recordedCmd{line: line, stdin: string(stdin)})
		if fail != nil && fail(line) {
			return nil, errors.New("exit status 1")
		}
		if name == "wg-quick" && args[0] == "strip" {
			return []byte("[Interface]\nPrivateKey = x\n"), nil
		}
		return nil, nil
	}
	return ap, &cmds
}

func lines(cmds []recordedCmd) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.line)
	}
	return out
}

var edge = model.Server{ID: "fra-1", Subnet: "10.3.0.0/24"}

func TestApplyBringsInterfaceUp(t *testing.T) {
	ap, cmds := fakeApplier(false, "", nil)
	require.NoError(t, ap.Apply(context.Background(), "/etc/wireguard/wg0.conf", edge))
	assert.Equal(t, []string{"wg-quick up /etc/wireguard/wg0.conf"}, lines(*cmds))
}

func TestApplySyncsExistingInterface(t *testing.T) {
	ap, cmds := fakeApplier(true, "", nil)
	require.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", edge))
	require.Len(t, *cmds, 2)
	assert.Equal(t, "wg-quick strip /tmp/wg0.conf", (*cmds)[0].line)
	assert.Equal(t, "wg syncconf wg0 /dev/stdin", (*cmds)[1].line)
	assert.Equal(t, "[Interface]\nPrivateKey = x\n", (*cmds)[1].stdin)
}

func TestApplyReportsWgFailure(t *testing.T) {
	ap, _ := fakeApplier(false, "", func(line string) bool { return strings.HasPrefix(line, "wg-quick up") })
	err := ap.Apply(context.Background(), "/tmp/wg0.conf", edge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wg-quick up")
}

func TestApplyEnsuresNATOnce(t *testing.T) {
	// every -C check fails, so each rule gets appended
	ap, cmds := fakeApplier(true, "eth0", func(line string) bool { return strings.Contains(line, " -C ") })
	require.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", edge))

	got := lines(*cmds)
	assert.Contains(t, got, "sysctl -w net.ipv4.ip_forward=1")
	assert.Contains(t, got, "iptables -A FORWARD -i wg0 -o eth0 -j ACCEPT")
	assert.Contains(t, got, "iptables -A FORWARD -i eth0 -o wg0 -m state --state RELATED,ESTABLISHED -j ACCEPT")
	assert.Contains(t, got, "iptables -t nat -A POSTROUTING -s 10.3.0.0/24 -o eth0 -j MASQUERADE")

	*cmds = nil
	require.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", edge))
	assert.Equal(t, []string{"wg-quick strip /tmp/wg0.conf", "wg syncconf wg0 /dev/stdin"}, lines(*cmds))
}

func TestApplyReplacesNATOnSubnetChange(t *testing.T) {
	ap, cmds := fakeApplier(true, "eth0", nil)
	require.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", edge))

	*cmds = nil
	moved := edge
	moved.Subnet = "10.4.0.0/24"
	require.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", moved))
	got := lines(*cmds)
	assert.Contains(t, got, "iptables -t nat -D POSTROUTING -s 10.3.0.0/24 -o eth0 -j MASQUERADE")
	assert.Contains(t, got, "iptables -t nat -C POSTROUTING -s 10.4.0.0/24 -o eth0 -j MASQUERADE")
}

func TestApplyNATFailureIsNotFatal(t *testing.T) {
	ap, _ := fakeApplier(true, "eth0", func(line string) bool { return strings.HasPrefix(line, "iptables") })
	assert.NoError(t, ap.Apply(context.Background(), "/tmp/wg0.conf", edge))
}
