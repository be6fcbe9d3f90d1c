package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the local environment (home writable, database openable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home %s not writable: %v", home, err))
			} else {
				probe := filepath.Join(home, ".doctor-probe")
				if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
					problems = append(problems, fmt.Sprintf("home %s not writable: %v", home, err))
				} else {
					_ = os.Remove(probe)
				}
			}

			if _, err := config.LoadSettings(home); err != nil {
				problems = append(problems, fmt.Sprintf("config.yaml unreadable: %v", err))
			}

			if len(problems) == 0 {
				st, err := store.Open(home)
				if err != nil {
					problems = append(problems, fmt.Sprintf("database unopenable: %v", err))
				} else {
					_ = st.Close()
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
