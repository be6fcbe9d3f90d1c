package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/denizbac/fleetcore/internal/config"
)

const apiKeyBytes = 32

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate API key for protecting the server when exposed over a network",
	}
	cmd.AddCommand(newApikeyGenerateCmd())
	return cmd
}

func generateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// appendEnvLine appends KEY=value to an env file, creating it 0600.
func appendEnvLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func newApikeyGenerateCmd() *cobra.Command {
	var (
		envFile string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random API key and print usage instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateAPIKey()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Generated API key (save it somewhere safe):")
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "  "+key)
			_, _ = fmt.Fprintln(out)

			if save {
				home := config.MustHomeFrom(cmd.Context())
				settings, err := config.LoadSettings(home)
				if err != nil {
					return err
				}
				settings.APIKey = key
				if err := config.SaveSettings(home, settings); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Saved api_key to %s\n", config.SettingsPath(home))
				_, _ = fmt.Fprintln(out, "The server picks it up on the next start.")
			}
			if envFile != "" {
				if err := appendEnvLine(envFile, "FLEETCORE_API_KEY="+key); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Appended FLEETCORE_API_KEY to %s\n", envFile)
				_, _ = fmt.Fprintln(out, "Start the server with: fleetcore start --foreground --env-file "+envFile)
			}
			if !save && envFile == "" {
				_, _ = fmt.Fprintln(out, "Use it:")
				_, _ = fmt.Fprintln(out, "  1. On the server: export FLEETCORE_API_KEY="+key)
				_, _ = fmt.Fprintln(out, "     Or add to .env and run: fleetcore start --foreground --env-file .env")
				_, _ = fmt.Fprintln(out, "  2. In clients: send header X-API-Key: <key> or query ?api_key=<key>")
			}
			_, _ = fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Append FLEETCORE_API_KEY to this file (e.g. .env)")
	cmd.Flags().BoolVar(&save, "save", false, "Persist the key as api_key in <home>/config.yaml")
	return cmd
}
