// Package schema describes the command tree in machine-readable form so
// agents can discover commands, flags and which commands move funds.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// AnnotationSubmits marks commands that send transactions.
const AnnotationSubmits = "dexroute/submits-transactions"

type CommandSchema struct {
	Path                string          `json:"path"`
	Use                 string          `json:"use"`
	Short               string          `json:"short"`
	SubmitsTransactions bool            `json:"submits_transactions,omitempty"`
	Flags               []FlagSchema    `json:"flags,omitempty"`
	Subcommands         []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Build serializes root, or the subcommand named by the space-separated
// commandPath.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, name := range strings.Fields(commandPath) {
		next := findChild(cmd, name)
		if next == nil {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return serialize(cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
		for _, alias := range c.Aliases {
			if alias == name {
				return c
			}
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:                strings.TrimSpace(cmd.CommandPath()),
		Use:                 cmd.Use,
		Short:               cmd.Short,
		SubmitsTransactions: cmd.Annotations[AnnotationSubmits] == "true",
		Flags:               collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Required != items[j].Required {
			return items[i].Required
		}
		return false
	})
	return items
}
