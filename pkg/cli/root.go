package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// output receives everything commands print
var output io.Writer = os.Stdout

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "fieldops",
		Description: "fieldops - field-service data access with row-level security",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("fieldops", flag.ExitOnError),
	}

	root.Subcommands["serve"] = newServeCommand()
	root.Subcommands["list"] = newListCommand()
	root.Subcommands["get"] = newGetCommand()
	root.Subcommands["create"] = newCreateCommand()
	root.Subcommands["update"] = newUpdateCommand()
	root.Subcommands["delete"] = newDeleteCommand()
	root.Subcommands["policy"] = newPolicyCommand()
	root.Subcommands["validate"] = newValidateCommand()
	root.Subcommands["audit-cleanup"] = newAuditCleanupCommand()

	return root
}

// Execute runs the subcommand named by os.Args[1]
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the subcommand named by args[0] with the remaining args
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	if strings.EqualFold(args[0], "-h") || strings.EqualFold(args[0], "--help") {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(output, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(output, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(output, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
