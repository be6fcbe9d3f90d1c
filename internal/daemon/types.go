package daemon

// StartOptions configures the daemon (home, listen addr, dev mode, pprof, otel).
// Settings not covered here are read from <home>/config.yaml.
type StartOptions struct {
	Addr       string // overrides listen_addr from config when set
	Home       string
	Dev        bool
	PprofAddr  string
	EnableOtel bool // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
