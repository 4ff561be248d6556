package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/registrar/pkg/rbac"
)

func (a *App) newReportHealthCommand() *Command {
	var format string
	cmd := &Command{
		Name:        "report-health",
		Description: "Run the RBAC health probes; exits 1 when any probe fails",
		Flags:       pflag.NewFlagSet("report-health", pflag.ContinueOnError),
	}
	cmd.Flags.StringVar(&format, "format", formatText, "Output format: text or json")

	cmd.Run = func(ctx context.Context, args []string) error {
		if len(args) > 0 {
			return usageErrorf("unexpected arguments: %v", args)
		}
		if err := checkFormat(format); err != nil {
			return err
		}

		stack, closeFn, err := a.openStack(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		// Attach the write-route coverage probe the daemon would run.
		exemptions, err := stack.LoadExemptions()
		if err != nil {
			return err
		}
		stack.Server(exemptions)

		report := stack.Prober.Report(ctx)
		if format == formatJSON {
			if err := writeJSON(a.stdout, report); err != nil {
				return err
			}
		} else {
			a.printReport(report)
		}
		if report.Status == rbac.StatusFail {
			return &ExitError{Code: ExitFailure}
		}
		return nil
	}
	return cmd
}

func (a *App) printReport(r *rbac.HealthReport) {
	a.printf("rbac health: %s (checked %s)\n", strings.ToUpper(string(r.Status)), r.CheckedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
	for _, p := range r.Probes {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.Name, p.Status, p.Message)
	}
	tw.Flush()
}
