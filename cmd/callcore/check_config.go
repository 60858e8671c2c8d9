package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	var rulesDir string
	cmd := &cobra.Command{
		Use:   "check-config [tenants-dir]",
		Short: "Verify every configuration field has a consumer and every file decodes strictly",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			tenantsDir := cfg.TenantsDir
			if len(args) == 1 {
				tenantsDir = args[0]
			}
			if rulesDir == "" {
				rulesDir = cfg.RulesDir
			}
			return checkConfig(cmd.OutOrStdout(), tenantsDir, rulesDir)
		},
	}
	cmd.Flags().StringVar(&rulesDir, "rules", "", "rule set directory (default CALLCORE_RULES_DIR)")
	return cmd
}

func checkConfig(w io.Writer, tenantsDir, rulesDir string) error {
	var errs []error
	if err := config.CheckWiring(config.TenantConfig{}); err != nil {
		errs = append(errs, err)
	}
	if err := config.CheckWiring(policy.Document{}); err != nil {
		errs = append(errs, err)
	}

	reg, err := config.LoadTenantDir(tenantsDir)
	if err != nil {
		errs = append(errs, err)
	} else {
		fmt.Fprintf(w, "tenants: %d ok in %s\n", len(reg.IDs()), tenantsDir)
	}

	files, err := config.YAMLFiles(rulesDir)
	if err != nil {
		errs = append(errs, err)
	}
	ok := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs, err := policy.ParseRuleSet(data)
		if err == nil {
			_, _, err = policy.Build(rs, time.Now())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		ok++
	}
	fmt.Fprintf(w, "rule sets: %d ok in %s\n", ok, rulesDir)

	return errors.Join(errs...)
}
