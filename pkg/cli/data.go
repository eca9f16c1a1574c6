package cli

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/fieldops/fieldops/pkg/cascade"
	"github.com/fieldops/fieldops/pkg/entity"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/rls"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// withEnvironment opens an environment for one command and closes it afterwards
func withEnvironment(fn func(ctx context.Context, env *environment) error) error {
	ctx := context.Background()
	env, err := openEnvironment(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(observability.WithLogger(ctx, env.Logger), env)
}

func securityContext(env *environment, caller *callerFlags, name string) (*rls.SecurityContext, error) {
	e, err := env.Registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	id, err := caller.identity(env.Registry.Hierarchy())
	if err != nil {
		return nil, err
	}
	return rls.NewSecurityContext(env.Registry, e, id), nil
}

type listOutput struct {
	Entity     string            `json:"entity"`
	Total      int64             `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	Policy     string            `json:"policy"`
	RLSApplied bool              `json:"rls_applied"`
	Records    []postgres.Record `json:"records"`
}

func newListCommand() *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List the rows of an entity visible to a caller",
		Flags:       flag.NewFlagSet("list", flag.ContinueOnError),
	}

	entityName := cmd.Flags.String("entity", "", "Entity name")
	var filters, sorts stringList
	cmd.Flags.Var(&filters, "filter", "Filter as field[:op]=value (repeatable)")
	cmd.Flags.Var(&sorts, "sort", "Sort as field[:asc|desc] (repeatable)")
	limit := cmd.Flags.Int("limit", entity.DefaultLimit, "Page size")
	offset := cmd.Flags.Int("offset", 0, "Rows to skip")
	caller := addCallerFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *entityName == "" {
			return errors.New("-entity is required")
		}

		q := entity.Query{Limit: *limit, Offset: *offset}
		for _, s := range filters {
			f, err := parseFilter(s)
			if err != nil {
				return err
			}
			q.Filters = append(q.Filters, f)
		}
		for _, s := range sorts {
			srt, err := parseSort(s)
			if err != nil {
				return err
			}
			q.Sort = append(q.Sort, srt)
		}

		return withEnvironment(func(ctx context.Context, env *environment) error {
			sc, err := securityContext(env, caller, *entityName)
			if err != nil {
				return err
			}
			page, err := env.Service.List(ctx, sc, *entityName, q)
			if err != nil {
				return err
			}
			out := listOutput{
				Entity:     *entityName,
				Total:      page.Total,
				Limit:      page.Limit,
				Offset:     page.Offset,
				Policy:     page.Policy,
				RLSApplied: page.RLSApplied,
				Records:    page.Records,
			}
			if out.Records == nil {
				out.Records = []postgres.Record{}
			}
			return printJSON(out)
		})
	}
	return cmd
}

func newGetCommand() *Command {
	cmd := &Command{
		Name:        "get",
		Description: "Show one row of an entity by primary key",
		Flags:       flag.NewFlagSet("get", flag.ContinueOnError),
	}

	entityName := cmd.Flags.String("entity", "", "Entity name")
	id := cmd.Flags.String("id", "", "Primary key")
	caller := addCallerFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		key, err := parseID(*id)
		if err != nil {
			return err
		}
		return withEnvironment(func(ctx context.Context, env *environment) error {
			sc, err := securityContext(env, caller, *entityName)
			if err != nil {
				return err
			}
			record, err := env.Service.Get(ctx, sc, *entityName, key)
			if err != nil {
				return err
			}
			return printJSON(record)
		})
	}
	return cmd
}

func newCreateCommand() *Command {
	cmd := &Command{
		Name:        "create",
		Description: "Insert a row from a JSON object",
		Flags:       flag.NewFlagSet("create", flag.ContinueOnError),
	}

	entityName := cmd.Flags.String("entity", "", "Entity name")
	data := cmd.Flags.String("data", "", "Column values as a JSON object")
	caller := addCallerFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		values, err := parseData(*data)
		if err != nil {
			return err
		}
		return withEnvironment(func(ctx context.Context, env *environment) error {
			sc, err := securityContext(env, caller, *entityName)
			if err != nil {
				return err
			}
			record, err := env.Service.Create(ctx, sc, *entityName, values)
			if err != nil {
				return err
			}
			return printJSON(record)
		})
	}
	return cmd
}

func newUpdateCommand() *Command {
	cmd := &Command{
		Name:        "update",
		Description: "Change fields of one row from a JSON object",
		Flags:       flag.NewFlagSet("update", flag.ContinueOnError),
	}

	entityName := cmd.Flags.String("entity", "", "Entity name")
	id := cmd.Flags.String("id", "", "Primary key")
	data := cmd.Flags.String("data", "", "Column values as a JSON object")
	caller := addCallerFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		key, err := parseID(*id)
		if err != nil {
			return err
		}
		values, err := parseData(*data)
		if err != nil {
			return err
		}
		return withEnvironment(func(ctx context.Context, env *environment) error {
			sc, err := securityContext(env, caller, *entityName)
			if err != nil {
				return err
			}
			record, err := env.Service.Update(ctx, sc, *entityName, key, values)
			if err != nil {
				return err
			}
			return printJSON(record)
		})
	}
	return cmd
}

func newDeleteCommand() *Command {
	cmd := &Command{
		Name:        "delete",
		Description: "Delete one row together with its dependent and audit rows",
		Flags:       flag.NewFlagSet("delete", flag.ContinueOnError),
	}

	entityName := cmd.Flags.String("entity", "", "Entity name")
	id := cmd.Flags.String("id", "", "Primary key")
	reason := cmd.Flags.String("reason", "", "Reason recorded in the audit trail")
	force := cmd.Flags.Bool("force", false, "Delete system-protected rows")
	caller := addCallerFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		key, err := parseID(*id)
		if err != nil {
			return err
		}
		return withEnvironment(func(ctx context.Context, env *environment) error {
			sc, err := securityContext(env, caller, *entityName)
			if err != nil {
				return err
			}
			record, err := env.Service.Delete(ctx, sc, *entityName, key, cascade.Options{
				Force:  *force,
				Reason: *reason,
				Extra:  map[string]interface{}{"source": "cli"},
			})
			if err != nil {
				return err
			}
			return printJSON(record)
		})
	}
	return cmd
}
