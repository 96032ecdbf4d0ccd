package cli

import (
	"context"
	"fmt"

	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

// withApp wires the runtime for a one-shot command and tears it down after.
func withApp(fn func(ctx context.Context, app *App) error) error {
	config.LoadEnvFileCandidates()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}
	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(context.Background(), app)
}

// resolveTenant maps the --tenant flag to a provisioned tenant context.
func resolveTenant(ctx context.Context, app *App, tenantID string) (tenant.Context, error) {
	if tenantID == "" {
		return tenant.Context{}, fmt.Errorf("--tenant is required")
	}
	return app.Tenants.Resolve(ctx, tenantID)
}
