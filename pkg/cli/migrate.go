package cli

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/registrar/pkg/rbac"
)

func (a *App) newMigrateCommand() *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Flags:       pflag.NewFlagSet("migrate", pflag.ContinueOnError),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if len(args) > 0 {
			return usageErrorf("unexpected arguments: %v", args)
		}
		cfg, err := a.config()
		if err != nil {
			return err
		}
		db, dialect, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := rbac.RunMigrations(ctx, db, dialect, a.logger()); err != nil {
			return err
		}
		a.printf("migrations applied (%s)\n", dialect)
		return nil
	}
	return cmd
}
