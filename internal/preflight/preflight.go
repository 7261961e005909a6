package preflight

import (
	"context"
	"path/filepath"

	"camrelay/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// Severity maps a result to the label the CLI renders.
func (r Result) Severity() string {
	switch {
	case r.Passed:
		return "ok"
	case r.Optional:
		return "warn"
	default:
		return "error"
	}
}

// RunAll executes every check that applies to cfg. Endpoint checks for
// cameras and servers are optional because the daemon retries them at runtime.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Artifact directory", cfg.Paths.ArtifactDir),
		CheckDirectoryAccess("Ledger directory", filepath.Dir(cfg.Paths.LedgerPath)),
	}

	if cfg.Detector.Mode == config.DetectorProcess {
		results = append(results, CheckBinary("Detector", cfg.Detector.Command))
	}

	switch cfg.Transfer.Mode {
	case config.TransferSFTP:
		results = append(results, CheckTCP(ctx, "SFTP server", cfg.Transfer.Host, cfg.Transfer.Port))
	case config.TransferHTTP:
		results = append(results, optional(CheckEndpoint(ctx, "Upload endpoint", cfg.Transfer.HTTPURL, cfg.Transfer.TimeoutDuration())))
	}

	for _, camera := range cfg.EnabledCameras() {
		results = append(results, optional(CheckEndpoint(ctx, "Camera "+camera.Name, camera.URL, cfg.Pool.ConnectTimeoutDuration())))
	}
	for _, server := range cfg.Servers {
		results = append(results, optional(CheckEndpoint(ctx, "Server "+server.Name, server.URL, server.Timeout())))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}

func optional(r Result) Result {
	r.Optional = true
	return r
}
