package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"modernvpn/pkg/api"
	"modernvpn/pkg/auth"
	"modernvpn/pkg/catalog"
	"modernvpn/pkg/db"
	"modernvpn/pkg/engine"
	"modernvpn/pkg/keys"
	"modernvpn/pkg/log"
	"modernvpn/pkg/metrics"
	"modernvpn/pkg/model"
	"modernvpn/pkg/version"
)

var logFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "log level: debug|info|warn|error",
		EnvVars: []string{"MODERNVPN_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:    "log-json",
		Usage:   "log in JSON format",
		EnvVars: []string{"MODERNVPN_LOG_JSON"},
	},
}

var catalogFlag = &cli.StringFlag{
	Name:    "catalog",
	Value:   "servers.yaml",
	Usage:   "server catalog YAML file",
	EnvVars: []string{"MODERNVPN_CATALOG"},
}

var jwtFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "jwt-secret",
		Usage:    "HS256 secret for access tokens",
		EnvVars:  []string{"JWT_SECRET"},
		Required: true,
	},
	&cli.IntFlag{
		Name:    "token-ttl-minutes",
		Value:   int(auth.DefaultTTL / time.Minute),
		Usage:   "access token lifetime in minutes",
		EnvVars: []string{"ACCESS_TOKEN_EXPIRE_MINUTES"},
	},
}

var serveFlags = []cli.Flag{
	catalogFlag,
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   ":8080",
		Usage:   "address to listen on for the API",
		EnvVars: []string{"MODERNVPN_LISTEN_ADDR"},
	},
	&cli.StringFlag{Name: "tls-cert", Usage: "TLS cert path (enables HTTPS with --tls-key)", EnvVars: []string{"MODERNVPN_TLS_CERT"}},
	&cli.StringFlag{Name: "tls-key", Usage: "TLS key path", EnvVars: []string{"MODERNVPN_TLS_KEY"}},
	&cli.StringFlag{Name: "client-ca", Usage: "require client certs signed by this CA", EnvVars: []string{"MODERNVPN_CLIENT_CA"}},
	&cli.StringFlag{
		Name:    "store",
		Value:   "memory",
		Usage:   "assignment store: memory|sqlite|mysql|consul",
		EnvVars: []string{"MODERNVPN_STORE"},
	},
	&cli.StringFlag{
		Name:    "sqlite-path",
		Value:   "/var/lib/modernvpn/assignments.db",
		Usage:   "database file (store=sqlite)",
		EnvVars: []string{"MODERNVPN_SQLITE_PATH"},
	},
	&cli.StringFlag{
		Name:    "mysql-dsn",
		Usage:   "MySQL DSN (store=mysql); built from MYSQL_* env when empty",
		EnvVars: []string{"MODERNVPN_MYSQL_DSN", "DATABASE_URL"},
	},
	&cli.StringFlag{Name: "consul-addr", Value: "127.0.0.1:8500", Usage: "consul address (store=consul)", EnvVars: []string{"CONSUL_HTTP_ADDR"}},
	&cli.StringFlag{Name: "consul-token", Usage: "consul ACL token", EnvVars: []string{"CONSUL_HTTP_TOKEN"}},
	&cli.StringFlag{Name: "consul-prefix", Value: "modernvpn/", Usage: "consul KV prefix", EnvVars: []string{"MODERNVPN_CONSUL_PREFIX"}},
	&cli.StringFlag{
		Name:    "edge-token",
		Usage:   "shared token for edge agents; edge routes are off when empty",
		EnvVars: []string{"MODERNVPN_EDGE_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "admin-email",
		Value:   "admin@localhost",
		Usage:   "email that registers as admin",
		EnvVars: []string{"ADMIN_EMAIL"},
	},
	&cli.BoolFlag{
		Name:    "insecure-synthetic-keys",
		Usage:   "issue synthetic demo key pairs when the entropy source fails (never in production)",
		EnvVars: []string{"MODERNVPN_INSECURE_SYNTHETIC_KEYS"},
	},
	&cli.DurationFlag{Name: "read-timeout", Value: 30 * time.Second, Usage: "HTTP read timeout"},
	&cli.DurationFlag{Name: "write-timeout", Value: 30 * time.Second, Usage: "HTTP write timeout"},
	&cli.DurationFlag{Name: "shutdown-timeout", Value: 15 * time.Second, Usage: "graceful shutdown limit"},
}

func main() {
	app := &cli.App{
		Name:    "controller",
		Usage:   "ModernVPN assignment controller",
		Version: version.String(),
		Flags:   logFlags,
		Before: func(cCtx *cli.Context) error {
			if err := db.LoadDotEnv(); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}
			return log.Setup(cCtx.String("log-level"), cCtx.Bool("log-json"))
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Flags:  append(append([]cli.Flag{}, serveFlags...), jwtFlags...),
				Action: serve,
			},
			{
				Name:  "token",
				Usage: "mint an access token",
				Flags: append([]cli.Flag{
					&cli.Uint64Flag{Name: "user-id", Usage: "uid claim", Required: true},
					&cli.StringFlag{Name: "username", Usage: "username claim"},
					&cli.BoolFlag{Name: "admin", Usage: "grant the admin claim"},
				}, jwtFlags...),
				Action: func(cCtx *cli.Context) error {
					issuer, err := auth.NewIssuer(cCtx.String("jwt-secret"), time.Duration(cCtx.Int("token-ttl-minutes"))*time.Minute)
					if err != nil {
						return err
					}
					tok, err := issuer.Generate(cCtx.Uint64("user-id"), cCtx.String("username"), cCtx.Bool("admin"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cCtx.App.Writer, tok)
					return err
				},
			},
			{
				Name:  "catalog",
				Usage: "validate the catalog and print it in assignment order",
				Flags: []cli.Flag{catalogFlag},
				Action: func(cCtx *cli.Context) error {
					c, err := catalog.Load(cCtx.String("catalog"))
					if err != nil {
						return err
					}
					return printCatalog(cCtx.App.Writer, c)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("controller failed")
	}
}

func printCatalog(w io.Writer, c *catalog.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREGION\tLOCATION\tSTATE\tLOAD\tSUBNET\tENDPOINT")
	row := func(s model.Server) {
		fmt.Fprintf(tw, "%s\t%s\t%s, %s\t%s\t%d\t%s\t%s\n", s.ID, s.Region, s.City, s.Country, s.State, s.Load, s.Subnet, s.Endpoint)
	}
	online := c.List()
	for _, s := range online {
		row(s)
	}
	all := c.All()
	for _, s := range all {
		if !s.Online() {
			row(s)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d servers, %d online\n", len(all), len(online))
	return err
}

func serve(cCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithModule(ctx, "controller")
	logger := log.G(ctx)

	catalogPath := cCtx.String("catalog")
	c, err := catalog.Load(catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	src := catalog.NewSource(c)
	m := metrics.New()
	m.SetCatalog(c.All())

	st, gdb, closeStore, err := openStore(ctx, storeConfig{
		Kind:         cCtx.String("store"),
		SQLitePath:   cCtx.String("sqlite-path"),
		MySQLDSN:     cCtx.String("mysql-dsn"),
		ConsulAddr:   cCtx.String("consul-addr"),
		ConsulToken:  cCtx.String("consul-token"),
		ConsulPrefix: cCtx.String("consul-prefix"),
	})
	if err != nil {
		return err
	}
	defer closeStore()

	issuer, err := auth.NewIssuer(cCtx.String("jwt-secret"), time.Duration(cCtx.Int("token-ttl-minutes"))*time.Minute)
	if err != nil {
		return err
	}
	tlsCfg, err := api.ServerTLSConfig(cCtx.String("tls-cert"), cCtx.String("tls-key"), cCtx.String("client-ca"))
	if err != nil {
		return err
	}

	synthetic := cCtx.Bool("insecure-synthetic-keys")
	if synthetic {
		logger.Warn("synthetic key fallback enabled; do not use in production")
	}
	hub := api.NewWSHub()
	eng := engine.New(src, st, keys.New(keys.WithSynthetic(synthetic)),
		engine.WithNotifier(hub),
		engine.WithMetrics(m),
	)

	go watchReload(ctx, src, catalogPath, m)

	srv := api.New(api.Config{
		ListenAddr:      cCtx.String("listen-addr"),
		ReadTimeout:     cCtx.Duration("read-timeout"),
		WriteTimeout:    cCtx.Duration("write-timeout"),
		ShutdownTimeout: cCtx.Duration("shutdown-timeout"),
		TLS:             tlsCfg,
		EdgeToken:       cCtx.String("edge-token"),
		AdminEmail:      cCtx.String("admin-email"),
	}, api.Deps{
		Engine:  eng,
		Catalog: src,
		Issuer:  issuer,
		DB:      gdb,
		Hub:     hub,
		Metrics: m,
	})
	logger.WithField("version", version.String()).WithField("store", cCtx.String("store")).Info("controller starting")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchReload swaps the catalog on SIGHUP. A bad file keeps the old snapshot.
func watchReload(ctx context.Context, src *catalog.Source, path string, m *metrics.Metrics) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			c, err := src.Reload(path)
			if err != nil {
				log.G(ctx).WithError(err).Error("catalog reload failed; keeping previous catalog")
				continue
			}
			m.SetCatalog(c.All())
			log.G(ctx).WithField("servers", len(c.All())).Info("catalog reloaded")
		}
	}
}
