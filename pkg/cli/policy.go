package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
	"github.com/fieldops/fieldops/pkg/rls"
)

// sampleProfileID fills every identifier of the sample context so that
// field policies compile to their fragment instead of denying
const sampleProfileID int64 = 1

// policyRow is one entity and role of the policy report
type policyRow struct {
	Entity     string   `json:"entity"`
	Role       string   `json:"role"`
	Policy     string   `json:"policy"`
	Fragment   string   `json:"fragment"`
	Operations []string `json:"operations"`
}

// policyReport describes, per entity and role, the row policy, the fragment
// it compiles to and the operations the role may perform
func policyReport(reg *metadata.Registry, entityName, role string) ([]policyRow, error) {
	names := reg.Names()
	if entityName != "" {
		if _, err := reg.Resolve(entityName); err != nil {
			return nil, err
		}
		names = []string{entityName}
	}
	roles := reg.Hierarchy().Roles()
	if role != "" {
		if !reg.Hierarchy().Contains(rbac.Role(role)) {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		roles = []rbac.Role{rbac.Role(role)}
	}

	resolver := rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix())
	profile := sampleProfileID

	var rows []policyRow
	for _, name := range names {
		e := reg.MustLookup(name)
		for _, r := range roles {
			sc := rls.NewSecurityContext(reg, e, rls.Identity{
				UserID:              sampleProfileID,
				Role:                r,
				CustomerProfileID:   &profile,
				TechnicianProfileID: &profile,
			})
			ops := resolver.AllowedOperations(r, e.Name)
			row := policyRow{
				Entity:     e.Name,
				Role:       string(r),
				Policy:     policy.Describe(sc.EffectivePolicy()),
				Fragment:   rls.Compile(sc, e, 0).Clause,
				Operations: make([]string, len(ops)),
			}
			for i, op := range ops {
				row.Operations[i] = string(op)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func printPolicyReport(rows []policyRow, format string) error {
	if format == "json" {
		return printJSON(rows)
	}

	w := tabwriter.NewWriter(output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tROLE\tPOLICY\tFRAGMENT\tOPERATIONS")
	for _, r := range rows {
		fragment, ops := r.Fragment, strings.Join(r.Operations, ",")
		if fragment == "" {
			fragment = "-"
		}
		if ops == "" {
			ops = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Entity, r.Role, r.Policy, fragment, ops)
	}
	return w.Flush()
}

func newPolicyCommand() *Command {
	cmd := &Command{
		Name:        "policy",
		Description: "Show row policies, compiled fragments and allowed operations per entity and role",
		Flags:       flag.NewFlagSet("policy", flag.ContinueOnError),
	}

	metadataPath := cmd.Flags.String("metadata", "", "Metadata registry file (default: built-in registry)")
	entityName := cmd.Flags.String("entity", "", "Only this entity")
	role := cmd.Flags.String("role", "", "Only this role")
	format := cmd.Flags.String("format", "text", "Output format: text or json")
	watch := cmd.Flags.Bool("watch", false, "Print the report again whenever the metadata file changes")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *format != "text" && *format != "json" {
			return fmt.Errorf("unknown format %q", *format)
		}

		report := func(reg *metadata.Registry) error {
			rows, err := policyReport(reg, *entityName, *role)
			if err != nil {
				return err
			}
			return printPolicyReport(rows, *format)
		}

		if !*watch {
			reg, err := loadRegistry(*metadataPath)
			if err != nil {
				return err
			}
			return report(reg)
		}

		if *metadataPath == "" {
			return errors.New("-watch requires -metadata")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := observability.NewLogger(observability.InfoLevel, os.Stderr)
		return metadata.Watch(ctx, *metadataPath, logger, func(reg *metadata.Registry, err error) {
			if err == nil {
				err = report(reg)
			}
			if err != nil {
				fmt.Fprintf(output, "error: %v\n", err)
			}
		})
	}
	return cmd
}

func newValidateCommand() *Command {
	cmd := &Command{
		Name:        "validate",
		Description: "Check a metadata registry file",
		Flags:       flag.NewFlagSet("validate", flag.ContinueOnError),
	}

	metadataPath := cmd.Flags.String("metadata", "", "Metadata registry file")
	strict := cmd.Flags.Bool("strict", false, "Treat malformed row policies as errors")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *metadataPath == "" {
			return errors.New("-metadata is required")
		}

		reg, err := metadata.LoadFile(*metadataPath)
		if err != nil {
			return err
		}
		if err := rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix()).Validate(); err != nil {
			return fmt.Errorf("invalid permission matrix: %w", err)
		}

		warnings := reg.Warnings()
		for _, w := range warnings {
			fmt.Fprintf(output, "warning: %v\n", w)
		}
		if *strict && len(warnings) > 0 {
			return fmt.Errorf("%d malformed row policies", len(warnings))
		}
		fmt.Fprintf(output, "ok: %d entities, %d warnings\n", len(reg.Names()), len(warnings))
		return nil
	}
	return cmd
}
