package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/config"
	"github.com/storefront/gatehouse/internal/server"
)

const banner = `
  ___   _ _____ ___ _  _  ___  _   _ ___ ___
 / __| /_\_   _| __| || |/ _ \| | | / __| __|
| (_ |/ _ \| | | _|| __ | (_) | |_| \__ \ _|
 \___/_/ \_\_| |___|_||_|\___/ \___/|___/___|
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatehouse API server",
		Long:  "Start the HTTP server that signs administrators in and guards the back-office operator endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *, built-in JWT secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context, dev bool) error {
	ctx = ctxOrBackground(ctx)
	if dev {
		viper.Set("logging.level", "debug")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Auth.JWTSecret == "" && !dev {
		return fmt.Errorf("auth.jwt_secret is not set (use GATEHOUSE_AUTH_JWT_SECRET, or --dev for a built-in secret)")
	}

	fmt.Print(banner)
	fmt.Println()

	logger := a.logger
	logger.Info("account directory opened", "driver", a.store.Driver())

	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		logger.Warn("failed to list accounts", "error", err)
	} else if len(accounts) == 0 {
		logger.Warn("no admin account found - run: gatehouse admin create")
	}

	sc := a.cfg.Server
	srvCfg := server.Config{
		Host:            sc.Host,
		Port:            sc.Port,
		ShutdownTimeout: config.Duration(sc.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     sc.CORS.Origins,
		LoginRateLimit:  sc.LoginRateLimit,
		MaxBodySize:     1 << 20,
		Version:         versionString(),
	}
	if dev {
		srvCfg.CORSOrigins = []string{"*"}
	}
	if sc.TLS.Enabled {
		srvCfg.TLSCertFile = sc.TLS.CertFile
		srvCfg.TLSKeyFile = sc.TLS.KeyFile
	}

	srv := server.New(srvCfg, server.Deps{
		Directory: a.store,
		Auth:      a.auth,
		Tokens:    a.idp,
		Passwords: a.idp,
		Ledger:    a.ledger,
		Audit:     a.reporter,
		Gate:      authz.New(),
	}, logger)

	scheme := "http"
	if srvCfg.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, sc.Host, sc.Port)
	fmt.Printf("→ Gatehouse %s\n", versionString())
	fmt.Printf("→ Listening on %s\n", base)
	fmt.Printf("→ Sign-in:    %s/api/v1/auth/session\n", base)
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	fmt.Printf("→ Lockout:    %d failures, %s lock\n", a.cfg.Auth.Lockout.MaxAttempts, a.cfg.Auth.Lockout.Duration)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}
