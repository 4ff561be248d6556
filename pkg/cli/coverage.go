package cli

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/platinummonkey/registrar/pkg/api"
	"github.com/platinummonkey/registrar/pkg/coverage"
)

func (a *App) newAuditCoverageCommand() *Command {
	var (
		exemptionsPath string
		format         string
	)
	cmd := &Command{
		Name:        "audit-coverage",
		Description: "Build the server route table and check every write route is guarded or exempt",
		Flags:       pflag.NewFlagSet("audit-coverage", pflag.ContinueOnError),
	}
	cmd.Flags.StringVar(&exemptionsPath, "exemptions", "", "Exemption file (default REGISTRAR_COVERAGE_EXEMPTIONS)")
	cmd.Flags.StringVar(&format, "format", formatText, "Output format: text or json")

	cmd.Run = func(ctx context.Context, args []string) error {
		if len(args) > 0 {
			return usageErrorf("unexpected arguments: %v", args)
		}
		if err := checkFormat(format); err != nil {
			return err
		}
		cfg, err := a.config()
		if err != nil {
			return err
		}
		if exemptionsPath != "" {
			cfg.CoverageExemptions = exemptionsPath
		}

		// The route table never touches the database, so nothing is opened.
		db, _, err := api.OpenDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		stack, err := api.NewStack(cfg, db, a.logger(), api.Offline())
		if err != nil {
			return err
		}
		exemptions, err := stack.LoadExemptions()
		if err != nil {
			return err
		}

		res := stack.Server(exemptions).Auditor().Audit()
		if format == formatJSON {
			if err := writeJSON(a.stdout, res); err != nil {
				return err
			}
		} else {
			a.printCoverage(res, exemptions)
		}
		if !res.OK() {
			return &ExitError{Code: ExitFailure}
		}
		return nil
	}
	return cmd
}

func (a *App) printCoverage(res *coverage.Result, exemptions *coverage.Exemptions) {
	a.printf("checked %d write operations: %d guarded, %d exempt (%d exemptions from %s)\n",
		res.Checked, res.Guarded, res.Exempt, exemptions.Len(), exemptionSource(exemptions))
	for _, f := range res.Failures {
		a.printf("FAIL %s\n", f.String())
	}
	for _, w := range res.Warnings {
		a.printf("WARN %s\n", w.String())
	}
	if res.OK() {
		a.printf("coverage ok\n")
	}
}

func exemptionSource(e *coverage.Exemptions) string {
	if e.Path == "" {
		return "no file"
	}
	return e.Path
}
