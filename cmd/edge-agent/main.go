package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"modernvpn/pkg/agent"
	"modernvpn/pkg/db"
	"modernvpn/pkg/log"
	"modernvpn/pkg/version"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "controller",
		Value:   "http://127.0.0.1:8080",
		Usage:   "controller base URL",
		EnvVars: []string{"CONTROLLER_ADDR"},
	},
	&cli.StringFlag{
		Name:     "server-id",
		Usage:    "catalog id of this edge server",
		EnvVars:  []string{"MODERNVPN_SERVER_ID"},
		Required: true,
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "edge token matching controller --edge-token",
		EnvVars: []string{"MODERNVPN_EDGE_TOKEN"},
	},
	&cli.StringFlag{
		Name:     "private-key-file",
		Usage:    "file holding the interface private key (base64)",
		EnvVars:  []string{"MODERNVPN_PRIVATE_KEY_FILE"},
		Required: true,
	},
	&cli.IntFlag{
		Name:  "listen-port",
		Usage: "wireguard listen port; 0 takes the port of the catalog endpoint",
	},
	&cli.StringFlag{
		Name:    "out",
		Value:   "/etc/wireguard/wg0.conf",
		Usage:   "interface config file to maintain",
		EnvVars: []string{"MODERNVPN_WG_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "apply",
		Usage:   "load the written file with wg-quick/wg syncconf",
		EnvVars: []string{"MODERNVPN_APPLY"},
	},
	&cli.StringFlag{Name: "iface", Value: "wg0", Usage: "wireguard interface name used with --apply"},
	&cli.StringFlag{
		Name:    "nat-egress",
		Usage:   "uplink device to MASQUERADE client traffic through (with --apply); empty disables NAT",
		EnvVars: []string{"NAT_EGRESS_IF"},
	},
	&cli.DurationFlag{Name: "retry-delay", Value: 5 * time.Second, Usage: "delay between reconnect attempts"},
	&cli.StringFlag{Name: "ca", Usage: "CA file for controller TLS", EnvVars: []string{"CA_FILE"}},
	&cli.StringFlag{Name: "cert", Usage: "client TLS certificate (for mTLS)"},
	&cli.StringFlag{Name: "key", Usage: "client TLS key (for mTLS)"},
	&cli.BoolFlag{Name: "insecure", Usage: "skip TLS verify for controller (not recommended)"},
	&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level", EnvVars: []string{"MODERNVPN_LOG_LEVEL"}},
	&cli.BoolFlag{Name: "log-json", Usage: "log in JSON format", EnvVars: []string{"MODERNVPN_LOG_JSON"}},
}

func main() {
	app := &cli.App{
		Name:    "edge-agent",
		Usage:   "keep an edge WireGuard interface file in sync with the controller",
		Version: version.String(),
		Flags:   flags,
		Action: func(cCtx *cli.Context) error {
			if err := db.LoadDotEnv(); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}
			if err := log.Setup(cCtx.String("log-level"), cCtx.Bool("log-json")); err != nil {
				return err
			}
			raw, err := os.ReadFile(cCtx.String("private-key-file"))
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			tlsCfg, err := agent.ClientTLSConfig(cCtx.String("ca"), cCtx.String("cert"), cCtx.String("key"), cCtx.Bool("insecure"))
			if err != nil {
				return err
			}
			var applier *agent.Applier
			if cCtx.Bool("apply") {
				applier = agent.NewApplier(cCtx.String("iface"), cCtx.String("nat-egress"))
			}
			a, err := agent.New(agent.Config{
				Controller: cCtx.String("controller"),
				ServerID:   cCtx.String("server-id"),
				Token:      cCtx.String("token"),
				PrivateKey: strings.TrimSpace(string(raw)),
				ListenPort: cCtx.Int("listen-port"),
				OutputPath: cCtx.String("out"),
				RetryDelay: cCtx.Duration("retry-delay"),
				TLS:        tlsCfg,
				Applier:    applier,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.G(ctx).WithField("version", version.String()).WithField("server_id", cCtx.String("server-id")).Info("edge agent starting")
			return a.Run(ctx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("edge agent failed")
	}
}
