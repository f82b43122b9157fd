package wireguard

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"modernvpn/pkg/allocator"
	"modernvpn/pkg/model"
)

// DefaultDNS is pushed to every client config.
var DefaultDNS = []string{"1.1.1.1", "8.8.8.8"}

const clientKeepalive = 25

// Interface is the [Interface] section of a wg-quick file.
type Interface struct {
	Comments   []string
	PrivateKey string
	Address    string
	ListenPort int
	DNS        []string
}

// Peer is one [Peer] section.
type Peer struct {
	Comment    string
	PublicKey  string
	Endpoint   string
	AllowedIPs []string
	Keepalive  int
}

// Render produces a wg-quick compatible config. Empty fields are omitted and
// sections are separated by a blank line.
func Render(iface Interface, peers []Peer) string {
	var b strings.Builder
	for _, c := range iface.Comments {
		fmt.Fprintf(&b, "# %s\n", c)
	}
	b.WriteString("[Interface]\n")
	if iface.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey)
	}
	if iface.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", iface.Address)
	}
	if iface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}
	if len(iface.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(iface.DNS, ", "))
	}

	for _, p := range peers {
		b.WriteString("\n")
		if p.Comment != "" {
			fmt.Fprintf(&b, "# %s\n", p.Comment)
		}
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		}
		if p.Keepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Keepalive)
		}
	}
	return b.String()
}

// RenderClient renders the client-side config for an assignment. All traffic
// is routed through the server.
func RenderClient(a model.Assignment, server model.Server) string {
	return Render(Interface{
		Comments: []string{
			"ModernVPN " + server.ID,
			"Region: " + server.Region,
			"Location: " + server.City + ", " + server.Country,
		},
		PrivateKey: a.PrivateKey,
		Address:    a.Address,
		DNS:        DefaultDNS,
	}, []Peer{{
		PublicKey:  server.PublicKey,
		Endpoint:   server.Endpoint,
		AllowedIPs: []string{"0.0.0.0/0", "::/0"},
		Keepalive:  clientKeepalive,
	}})
}

// RenderServer renders the edge's interface file with one peer per assignment.
// listenPort 0 means the port of server.Endpoint. Peers are ordered by address.
func RenderServer(server model.Server, privateKey string, listenPort int, assignments []model.Assignment) (string, error) {
	gw, err := allocator.Gateway(server)
	if err != nil {
		return "", err
	}
	if listenPort == 0 {
		_, port, err := net.SplitHostPort(server.Endpoint)
		if err != nil {
			return "", fmt.Errorf("server %s endpoint: %w", server.ID, err)
		}
		if listenPort, err = strconv.Atoi(port); err != nil {
			return "", fmt.Errorf("server %s endpoint port: %w", server.ID, err)
		}
	}

	sorted := make([]model.Assignment, len(assignments))
	copy(sorted, assignments)
	sort.Slice(sorted, func(i, j int) bool {
		pi, erri := netip.ParsePrefix(sorted[i].Address)
		pj, errj := netip.ParsePrefix(sorted[j].Address)
		if erri != nil || errj != nil || pi.Addr() == pj.Addr() {
			return sorted[i].ID < sorted[j].ID
		}
		return pi.Addr().Less(pj.Addr())
	})

	peers := make([]Peer, 0, len(sorted))
	for _, a := range sorted {
		peers = append(peers, Peer{
			Comment:    fmt.Sprintf("%s user %d", a.ID, a.UserID),
			PublicKey:  a.PublicKey,
			AllowedIPs: []string{a.Address},
		})
	}
	return Render(Interface{
		Comments:   []string{"ModernVPN edge " + server.ID},
		PrivateKey: privateKey,
		Address:    gw.String(),
		ListenPort: listenPort,
	}, peers), nil
}
