package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		addr       string
		foreground bool
		dev        bool
		pprofAddr  string
		envFile    string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the fleetcore orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())

			opts := daemon.StartOptions{
				Home:       home,
				Addr:       addr,
				Dev:        dev,
				PprofAddr:  pprofAddr,
				EnableOtel: enableOtel,
			}

			if foreground {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Starting fleetcore in foreground")
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fleetcore started (pid %d)\n", pid)
			if st, _ := daemon.Status(cmd.Context(), home); st.Running {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: http://%s\n", st.Addr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config.yaml, e.g. 127.0.0.1:7420)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE instrumentation)")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
