package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/storefront/gatehouse/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gatehouse configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default gatehouse.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.WriteDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Created %s\n", path)
			fmt.Println("Set auth.jwt_secret (or GATEHOUSE_AUTH_JWT_SECRET), then run 'gatehouse admin create' and 'gatehouse serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVar(&path, "output", "gatehouse.yaml", "Path of the file to write")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if configFile := viper.ConfigFileUsed(); configFile != "" {
				fmt.Printf("# Config file: %s\n", configFile)
			} else {
				fmt.Println("# Config file: (none found, using defaults)")
			}

			if !showSecrets {
				redact(&cfg.Auth.JWTSecret)
				redact(&cfg.Audit.Redis.Password)
				for i := range cfg.Auth.Federated.Providers {
					redact(&cfg.Auth.Federated.Providers[i].Secret)
				}
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets instead of redacting them")

	return cmd
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}
