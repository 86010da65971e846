package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/model"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the authentication audit ledger",
	}
	cmd.AddCommand(newAuditListCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		identityKey string
		action      string
		since       time.Duration
		limit       int
		jsonOutput  bool
		countOnly   bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent audit entries, newest first",
		Example: `  gatehouse audit list --identity b@x.com --since 1h
  gatehouse audit list --action login_blocked --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.AuditFilter{
				IdentityKey: gateway.IdentityKey(identityKey),
				Action:      model.AuditAction(action),
				Limit:       limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			ctx := ctxOrBackground(cmd.Context())
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if countOnly {
				n, err := a.store.CountAudit(ctx, filter.IdentityKey, filter.Action)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			}

			entries, err := a.ledger.Query(ctx, filter)
			if err != nil {
				return fmt.Errorf("query audit ledger: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries found.")
				return nil
			}

			fmt.Printf("%-20s  %-14s  %-30s  %-8s  %s\n", "TIME", "ACTION", "IDENTITY", "STATUS", "REASON")
			for _, e := range entries {
				fmt.Printf("%-20s  %-14s  %-30s  %-8s  %s%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Action, e.IdentityKey, e.Status, e.Reason, formatMeta(e.Metadata))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&identityKey, "identity", "", "Filter by identity key (email or identity ID)")
	cmd.Flags().StringVar(&action, "action", "", "Filter by action: login_success, login_failed, login_blocked, logout")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 30m, 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&countOnly, "count", false, "Print the number of entries matching --identity and --action (ignores --since and --limit)")

	return cmd
}

func formatMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + meta[k]
	}
	return " [" + strings.Join(parts, " ") + "]"
}
