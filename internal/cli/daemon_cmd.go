package cli

import (
	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		addr       string
		dev        bool
		pprofAddr  string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:       home,
				Addr:       addr,
				Dev:        dev,
				PprofAddr:  pprofAddr,
				EnableOtel: enableOtel,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
