package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
		Long:  "Create, list, and change the role, status, or lockout of back-office admin accounts.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())
	cmd.AddCommand(newAdminSetRoleCmd())
	cmd.AddCommand(newAdminStatusCmd("activate", true))
	cmd.AddCommand(newAdminStatusCmd("deactivate", false))
	cmd.AddCommand(newAdminUnlockCmd())
	cmd.AddCommand(newAdminDeleteCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
		role     string
		update   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin account",
		Example: `  gatehouse admin create --email admin@example.com --role admin
  gatehouse admin create --email editor@example.com --role editor --password 's3cret-pass'
  gatehouse admin create --email ops@example.com --role admin --update  # provisioning scripts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(cmd.Context(), email, password, name, role, update)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Admin email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Admin display name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleViewer), "Role: admin, editor, or viewer")
	cmd.Flags().BoolVar(&update, "update", false, "If the email exists, set its role, name and password and reactivate it")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runAdminCreate(ctx context.Context, email, password, name, roleName string, update bool) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	role, ok := model.ParseRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q (use admin, editor, or viewer)", roleName)
	}

	if password == "" {
		var err error
		if password, err = promptPassword(); err != nil {
			return err
		}
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	ctx = ctxOrBackground(ctx)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acct := &model.AdminAccount{
		IdentityID:  identity.NewIdentityID(),
		Email:       email,
		DisplayName: name,
		Role:        role,
		IsActive:    true,
	}
	created, err := saveAccount(ctx, a, acct, password, update)
	if err != nil {
		return err
	}

	verb := "Updated"
	if created {
		verb = "Created"
	}
	fmt.Printf("%s %s account %q\n", verb, acct.Role, acct.Email)
	fmt.Printf("  identity: %s\n", acct.IdentityID)
	return nil
}

// saveAccount creates acct with a local password. With update set, an
// existing account with the same email is upserted under its own identity
// instead. A newly created account is removed again when its password
// cannot be stored.
func saveAccount(ctx context.Context, a *app, acct *model.AdminAccount, password string, update bool) (bool, error) {
	created := true
	if update {
		existing, err := a.store.GetAccountByEmail(ctx, acct.Email)
		switch {
		case err == nil:
			acct.IdentityID = existing.IdentityID
			created = false
		case !errors.Is(err, store.ErrNotFound):
			return false, fmt.Errorf("look up account: %w", err)
		}
		saved, err := a.store.UpsertAccount(ctx, acct)
		if err != nil {
			return false, fmt.Errorf("save account: %w", err)
		}
		*acct = *saved
	} else if err := a.store.CreateAccount(ctx, acct); err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}

	if err := a.idp.SetPassword(ctx, acct.IdentityID, acct.Email, password); err != nil {
		if created {
			if derr := a.store.DeleteAccount(ctx, acct.IdentityID); derr != nil {
				a.logger.Error("rollback of account without password failed", "identity", acct.IdentityID, "error", derr)
			}
		}
		return false, fmt.Errorf("set password: %w", err)
	}
	return created, nil
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pw), nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all admin accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(ctx context.Context, jsonOutput bool) error {
	ctx = ctxOrBackground(ctx)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		fmt.Println("No admin accounts found.")
		fmt.Println("Create one with: gatehouse admin create --email <email> --role admin")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-30s  %-8s  %-8s  %-8s  %s\n", "EMAIL", "ROLE", "STATUS", "FAILURES", "LOCKED UNTIL")
	fmt.Printf("%-30s  %-8s  %-8s  %-8s  %s\n", "-----", "----", "------", "--------", "------------")
	for _, acct := range accounts {
		status := "active"
		if !acct.IsActive {
			status = "inactive"
		}
		locked := "-"
		if acct.LockActive(now) {
			locked = acct.LockedUntil.Local().Format(time.DateTime)
		}
		fmt.Printf("%-30s  %-8s  %-8s  %-8d  %s\n", acct.Email, acct.Role, status, acct.FailedAttempts, locked)
	}
	return nil
}

// ---------- admin set-role ----------

func newAdminSetRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set-role <email|identity-id> <role>",
		Short:   "Change the role of an admin account",
		Example: `  gatehouse admin set-role editor@example.com viewer`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, ok := model.ParseRole(args[1])
			if !ok {
				return fmt.Errorf("unknown role %q (use admin, editor, or viewer)", args[1])
			}
			return updateAccount(cmd.Context(), args[0], func(acct *model.AdminAccount) bool {
				if acct.Role == role {
					return false
				}
				acct.Role = role
				return true
			}, "role set to "+string(role))
		},
	}
}

// ---------- admin activate / deactivate ----------

func newAdminStatusCmd(name string, active bool) *cobra.Command {
	verb := "Deactivate"
	if active {
		verb = "Activate"
	}
	return &cobra.Command{
		Use:   name + " <email|identity-id>",
		Short: verb + " an admin account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateAccount(cmd.Context(), args[0], func(acct *model.AdminAccount) bool {
				if acct.IsActive == active {
					return false
				}
				acct.IsActive = active
				return true
			}, strings.ToLower(verb)+"d")
		},
	}
}

func updateAccount(ctx context.Context, ref string, mutate func(*model.AdminAccount) bool, done string) error {
	ctx = ctxOrBackground(ctx)
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := findAccount(ctx, a.store, ref)
	if err != nil {
		return fmt.Errorf("find account %q: %w", ref, err)
	}
	acct, err = a.store.UpdateAccount(ctx, acct.IdentityID, func(acct *model.AdminAccount) (bool, error) {
		return mutate(acct), nil
	})
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	fmt.Printf("%s: %s\n", acct.Email, done)
	return nil
}

// ---------- admin unlock ----------

func newAdminUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <email|identity-id>",
		Short: "Clear a lockout before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := ctxOrBackground(cmd.Context())
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := findAccount(ctx, a.store, args[0])
			if err != nil {
				return fmt.Errorf("find account %q: %w", args[0], err)
			}
			if _, err := a.auth.Lockout().Unlock(ctx, acct.IdentityID); err != nil {
				return err
			}
			fmt.Printf("%s: unlocked\n", acct.Email)
			return nil
		},
	}
}

// ---------- admin delete ----------

func newAdminDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <email|identity-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an admin account and its local password",
		Long: `Delete an admin account and its local password. Audit entries for the
account are kept. Prefer deactivate when the account may return.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			ctx := ctxOrBackground(cmd.Context())
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := findAccount(ctx, a.store, args[0])
			if err != nil {
				return fmt.Errorf("find account %q: %w", args[0], err)
			}
			if err := a.store.DeleteAccount(ctx, acct.IdentityID); err != nil {
				return fmt.Errorf("delete account: %w", err)
			}
			fmt.Printf("%s: deleted\n", acct.Email)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")

	return cmd
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
