package agent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"modernvpn/pkg/allocator"
	"modernvpn/pkg/log"
	"modernvpn/pkg/model"
)

// Runner executes an external command. stdin may be nil.
type Runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %v: %w output=%s", name, args, err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Applier loads a rendered interface file into the kernel with wg-quick and
// keeps forwarding plus MASQUERADE rules in place for the server subnet.
// It assumes wg, wg-quick and iptables are installed and the process is
// privileged.
type Applier struct {
	Interface string
	// Egress is the uplink device for NAT. Empty disables NAT.
	Egress string
	Run    Runner
	// Exists reports whether the interface is up. Defaults to a net lookup.
	Exists func(name string) bool

	mu  sync.Mutex
	nat natState
}

type natState struct {
	iface  string
	egress string
	cidr   string
}

func NewApplier(iface, egress string) *Applier {
	if iface == "" {
		iface = "wg0"
	}
	return &Applier{Interface: iface, Egress: egress, Run: execRunner, Exists: ifaceExists}
}

// Apply brings the interface up, or syncs its peers in place when it is
// already up so existing sessions do not flap.
func (ap *Applier) Apply(ctx context.Context, confPath string, server model.Server) error {
	if !ap.Exists(ap.Interface) {
		if _, err := ap.Run(ctx, nil, "wg-quick", "up", confPath); err != nil {
			return fmt.Errorf("wg-quick up: %w", err)
		}
	} else {
		stripped, err := ap.Run(ctx, nil, "wg-quick", "strip", confPath)
		if err != nil {
			return fmt.Errorf("wg-quick strip: %w", err)
		}
		if _, err := ap.Run(ctx, stripped, "wg", "syncconf", ap.Interface, "/dev/stdin"); err != nil {
			return fmt.Errorf("wg syncconf: %w", err)
		}
	}
	if err := ap.ensureNAT(ctx, server); err != nil {
		log.G(ctx).WithError(err).Warn("ensure NAT failed")
	}
	return nil
}

func (ap *Applier) ensureNAT(ctx context.Context, server model.Server) error {
	if ap.Egress == "" {
		return nil
	}
	subnet, err := allocator.ParseSubnet(server.Subnet)
	if err != nil {
		return err
	}
	want := natState{iface: ap.Interface, egress: ap.Egress, cidr: subnet.String()}

	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.nat == want {
		return nil
	}
	if ap.nat.iface != "" {
		ap.cleanupNAT(ctx, ap.nat)
	}

	_, _ = ap.Run(ctx, nil, "sysctl", "-w", "net.ipv4.ip_forward=1")
	rules := [][]string{
		{"FORWARD", "-i", want.iface, "-o", want.egress, "-j", "ACCEPT"},
		{"FORWARD", "-i", want.egress, "-o", want.iface, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for _, rule := range rules {
		if err := ap.ensureRule(ctx, "", rule); err != nil {
			return err
		}
	}
	if err := ap.ensureRule(ctx, "nat", []string{"POSTROUTING", "-s", want.cidr, "-o", want.egress, "-j", "MASQUERADE"}); err != nil {
		return err
	}
	ap.nat = want
	log.G(ctx).WithFields(logrus.Fields{"iface": want.iface, "egress": want.egress, "cidr": want.cidr}).Info("NAT ensured")
	return nil
}

// ensureRule appends rule unless iptables -C finds it already present.
func (ap *Applier) ensureRule(ctx context.Context, table string, rule []string) error {
	var prefix []string
	if table != "" {
		prefix = []string{"-t", table}
	}
	check := append(append(append([]string{}, prefix...), "-C"), rule...)
	if _, err := ap.Run(ctx, nil, "iptables", check...); err == nil {
		return nil
	}
	add := append(append(append([]string{}, prefix...), "-A"), rule...)
	if _, err := ap.Run(ctx, nil, "iptables", add...); err != nil {
		return fmt.Errorf("iptables %s: %w", rule[0], err)
	}
	return nil
}

func (ap *Applier) cleanupNAT(ctx context.Context, old natState) {
	del := func(args ...string) { _, _ = ap.Run(ctx, nil, "iptables", args...) }
	del("-t", "nat", "-D", "POSTROUTING", "-s", old.cidr, "-o", old.egress, "-j", "MASQUERADE")
	del("-D", "FORWARD", "-i", old.iface, "-o", old.egress, "-j", "ACCEPT")
	del("-D", "FORWARD", "-i", old.egress, "-o", old.iface, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

func ifaceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}
