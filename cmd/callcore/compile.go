package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

func newCompileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "compile <rules.yaml>...",
		Short: "Compile rule sets and publish them as active policy artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")

			var compiler *policy.Compiler
			if !dryRun {
				cfg := config.Load()
				if err := cfg.Validate(); err != nil {
					return err
				}
				a := &app{}
				defer a.close()
				st, err := openStorage(ctx, cfg, a)
				if err != nil {
					return err
				}
				compiler = policy.NewCompiler(st.locker, policy.NewRegistry(st.durable, nil), nil)
			}

			var errs []error
			for _, path := range args {
				report, err := compileFile(ctx, compiler, path)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				if err := out.Encode(report); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and report without publishing")
	return cmd
}

// compileFile builds the rule set; with a nil compiler nothing is published.
func compileFile(ctx context.Context, compiler *policy.Compiler, path string) (policy.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Report{}, err
	}
	rs, err := policy.ParseRuleSet(data)
	if err != nil {
		return policy.Report{}, err
	}
	if compiler == nil {
		_, report, err := policy.Build(rs, time.Now())
		return report, err
	}
	_, report, err := compiler.Compile(ctx, rs)
	return report, err
}

// publishRuleDir compiles every rule file in dir whose content differs from
// the tenant's active artifact, so restarts do not bump versions.
func publishRuleDir(ctx context.Context, compiler *policy.Compiler, registry *policy.Registry, dir string) error {
	log := observability.LoggerFromContext(ctx)
	files, err := config.YAMLFiles(dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs, err := policy.ParseRuleSet(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		candidate, _, err := policy.Build(rs, time.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}

		active, err := registry.Latest(ctx, rs.TenantID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		if active != nil && active.Checksum == candidate.Checksum {
			log.Info("policy unchanged", "tenant_id", rs.TenantID, "version", active.Version)
			continue
		}

		rs.Version = 0
		if _, _, err := compiler.Compile(ctx, rs); err != nil {
			if errors.Is(err, domain.ErrCompileInProgress) {
				// Another replica is publishing the same directory.
				log.Warn("policy compile skipped", "tenant_id", rs.TenantID, "error", err)
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}
