package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/registrar/pkg/api"
	"github.com/platinummonkey/registrar/pkg/config"
	"github.com/platinummonkey/registrar/pkg/rbac"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func checkFormat(format string) error {
	if format != formatText && format != formatJSON {
		return usageErrorf("invalid --format %q (want text or json)", format)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openDB opens and pings the configured database
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, rbac.Dialect, error) {
	db, dialect, err := api.OpenDB(cfg)
	if err != nil {
		return nil, "", err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, dialect, nil
}

// openStack resolves the configuration and builds the component graph over
// a live database. The returned func releases everything.
func (a *App) openStack(ctx context.Context) (*api.Stack, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	db, _, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stack, err := api.NewStack(cfg, db, a.logger())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return stack, func() {
		stack.Close()
		db.Close()
	}, nil
}
