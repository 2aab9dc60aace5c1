package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/probelab/crucible/internal/config"
	"github.com/probelab/crucible/internal/engine"
	"github.com/probelab/crucible/internal/executor"
	"github.com/probelab/crucible/internal/gateway"
	"github.com/probelab/crucible/internal/pricing"
	"github.com/probelab/crucible/internal/scoring"
	"github.com/probelab/crucible/internal/store"
)

// runtime bundles everything an orchestration command needs, plus the
// cleanup for the managed gateway.
type runtime struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	gw     *gateway.Gateway
}

func (r *runtime) Close() {
	if r.gw != nil {
		r.gw.Stop()
	}
	r.store.Close()
}

// openRuntime wires the engine from config: store, case executor,
// scoring client, and (optionally) the managed LLM gateway.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}

	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var gw *gateway.Gateway
	gatewayURL := cfg.Scoring.GatewayURL
	usageLog := ""
	if cfg.Gateway.Enabled {
		gw, err = gateway.Start(ctx, &gateway.StartOpts{
			SecretsEnvFile: cfg.Secrets.EnvFile,
			LogDir:         cfg.Gateway.LogDir,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("starting gateway: %w", err)
		}
		gatewayURL = gw.URL()
		usageLog = gw.UsageLog()
	}

	var priceTable *pricing.Table
	if cfg.Pricing.Path != "" {
		priceTable, err = pricing.Load(cfg.Pricing.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}

	var exec executor.CaseExecutor
	switch cfg.Executor.Mode {
	case "replay":
		exec = executor.ReplayExecutor{}
	default:
		exec = &executor.DockerExecutor{
			WorkBase:    cfg.Executor.WorkDir,
			CPULimit:    cfg.Executor.CPULimit,
			MemoryLimit: cfg.Executor.MemoryLimitMB * 1024 * 1024,
			GatewayURL:  gatewayURL,
			UsageLog:    usageLog,
			Pricing:     priceTable,
		}
	}

	scorer := &scoring.JudgeClient{
		BaseURL: gatewayURL,
		Model:   cfg.Scoring.JudgeModel,
		APIKey:  os.Getenv(cfg.Scoring.APIKeyEnv),
		Samples: cfg.Scoring.Samples,
	}

	eng := engine.New(st, exec, scorer)
	eng.CaseTimeout = time.Duration(cfg.Executor.CaseTimeoutMinutes) * time.Minute

	return &runtime{cfg: cfg, store: st, engine: eng, gw: gw}, nil
}

// currentActor identifies who initiated an operation, for the audit
// trail on the experiment row.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
