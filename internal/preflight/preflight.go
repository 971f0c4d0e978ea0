package preflight

import (
	"context"
	"strings"

	"engraver/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Artifact directory", cfg.Paths.ArtifactDir),
		CheckSerialDevice(cfg.Serial.Port),
	}

	if strings.TrimSpace(cfg.Artifacts.BaseURL) != "" {
		results = append(results, CheckArtifactServer(ctx, cfg.Artifacts.BaseURL))
	}

	if cfg.Intake.RedisEnabled {
		results = append(results, CheckRedis(ctx, cfg.Intake))
	}

	if cfg.Intake.WatchEnabled {
		results = append(results, CheckDirectoryAccess("Watch directory", cfg.Intake.WatchDir))
	}

	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
