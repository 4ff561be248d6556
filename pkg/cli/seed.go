package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/registrar/pkg/rbac"
)

func (a *App) newSeedCommand() *Command {
	var (
		file   string
		actor  int64
		reason string
		format string
	)
	cmd := &Command{
		Name:        "seed",
		Description: "Load the seed descriptor: add missing keys and roles, never remove",
		Flags:       pflag.NewFlagSet("seed", pflag.ContinueOnError),
	}
	cmd.Flags.StringVar(&file, "file", "", "Seed descriptor path (default REGISTRAR_SEED_PATH, else the built-in catalog)")
	cmd.Flags.Int64Var(&actor, "actor", 0, "User id recorded as the actor of the SEED audit record")
	cmd.Flags.StringVar(&reason, "reason", "registrar-cli seed", "Reason recorded in the audit log")
	cmd.Flags.StringVar(&format, "format", formatText, "Output format: text or json")

	cmd.Run = func(ctx context.Context, args []string) error {
		if len(args) > 0 {
			return usageErrorf("unexpected arguments: %v", args)
		}
		if err := checkFormat(format); err != nil {
			return err
		}
		if actor < 0 {
			return usageErrorf("--actor must not be negative")
		}

		stack, closeFn, err := a.openStack(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		seed := stack.Seed
		if file != "" {
			if seed, err = rbac.LoadSeedFile(file); err != nil {
				return err
			}
		}

		report, err := stack.Registry.Load(ctx, seed, rbac.Mutation{Actor: actor, Reason: reason})
		if err != nil {
			return err
		}
		if format == formatJSON {
			return writeJSON(a.stdout, report)
		}
		a.printSeedReport(report, len(seed.Keys()))
		return nil
	}
	return cmd
}

func (a *App) printSeedReport(r *rbac.SeedReport, total int) {
	if !r.Changed() {
		a.printf("seed up to date: %d keys\n", total)
		return
	}
	a.printf("seeded %d keys\n", total)
	a.printf("  created:           %s\n", list(r.Created))
	a.printf("  reactivated:       %s\n", list(r.Reactivated))
	a.printf("  unchanged:         %d\n", r.Unchanged)
	a.printf("  roles created:     %s\n", list(r.RolesCreated))
	a.printf("  roles reactivated: %s\n", list(r.RolesReactivated))
	a.printf("  bindings created:  %d\n", r.BindingsCreated)
}

func list(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d (%s)", len(items), strings.Join(items, ", "))
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.stdout, format, args...)
}
