package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/storefront/gatehouse/internal/authz"
	"github.com/storefront/gatehouse/internal/config"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/session"
)

func newLoginCmd() *cobra.Command {
	var (
		email     string
		federated string
		hold      bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in against the local directory and show the resulting session",
		Long: `Sign in through the same pipeline the server uses: attempt limiter,
lockout, credential check, then session issue. Every attempt is audited.

With --hold the session is kept alive and refreshed before expiry until
interrupted, after which it is signed out.`,
		Example: `  gatehouse login --email admin@example.com
  gatehouse login --federated "$ID_TOKEN" --hold`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(ctxOrBackground(cmd.Context()), email, federated, hold)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email address (prompted if omitted)")
	cmd.Flags().StringVar(&federated, "federated", "", "Sign in with an ID token from a federated provider")
	cmd.Flags().BoolVar(&hold, "hold", false, "Keep the session refreshed until interrupted")

	return cmd
}

func runLogin(ctx context.Context, email, federated string, hold bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	gw := gateway.NewGateway(a.auth, authz.New(),
		session.WithRefreshBuffer(config.Duration(a.cfg.Auth.RefreshBuffer, session.DefaultRefreshBuffer)),
		session.WithRetryInterval(config.Duration(a.cfg.Auth.RefreshRetry, session.DefaultRetryInterval)),
	)
	defer gw.Close()

	if federated != "" {
		_, err = gw.LoginFederated(ctx, federated)
	} else {
		var password string
		if email, password, err = promptCredentials(email); err != nil {
			return err
		}
		_, err = gw.Login(ctx, email, password)
	}
	if err != nil {
		return describeLoginError(err)
	}

	p := gw.Principal()
	sess := gw.CurrentSession()
	fmt.Printf("Signed in as %s (%s)\n", p.Email, p.Role)
	fmt.Printf("  identity:     %s\n", p.IdentityID)
	fmt.Printf("  expires:      %s\n", sess.ExpiresAt.Local().Format(time.DateTime))
	fmt.Printf("  refresh at:   %s\n", sess.RefreshAt.Local().Format(time.DateTime))
	fmt.Printf("  capabilities: %s\n", joinCapabilities(authz.New().CapabilitiesFor(p.Role)))

	if !hold {
		return nil
	}

	holdCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Println("Holding session; press Ctrl+C to sign out.")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	last := sess.Token
	for {
		select {
		case <-holdCtx.Done():
			if err := gw.Logout(ctx); err != nil && !errors.Is(err, gateway.ErrNotAuthenticated) {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		case <-ticker.C:
			cur := gw.CurrentSession()
			if cur == nil {
				return fmt.Errorf("session ended: account is no longer able to sign in")
			}
			if cur.Token != last {
				last = cur.Token
				fmt.Printf("Session refreshed, now expires %s\n", cur.ExpiresAt.Local().Format(time.DateTime))
			}
		}
	}
}

func promptCredentials(email string) (string, string, error) {
	if email == "" {
		fmt.Print("Email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("failed to read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return email, string(pw), nil
}

func describeLoginError(err error) error {
	if wait, ok := gateway.RetryAfter(err); ok {
		return fmt.Errorf("%w (try again in %s)", err, wait)
	}
	return err
}

func joinCapabilities(caps []authz.Capability) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
