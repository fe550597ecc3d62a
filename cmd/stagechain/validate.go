package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	validateFiles []string
	validateGraph bool
)

var validateCmd = &cobra.Command{
	Use:   "validate -f chain.yaml",
	Short: "Check chain files without running them",
	Long: `Builds every chain in the given files and checks that each transition
table is complete: every stage has both routes, every target exists and
every stage is reachable from the start. With --graph, prints each chain as
a mermaid flowchart.`,
	RunE: validateFilesCmd,
}

func init() {
	validateCmd.Flags().StringSliceVarP(&validateFiles, "file", "f", nil, "Chain file (repeatable)")
	validateCmd.Flags().BoolVar(&validateGraph, "graph", false, "Print a mermaid flowchart per chain")
	_ = validateCmd.MarkFlagRequired("file")
}

func validateFilesCmd(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	reg := newRegistry()
	var errs []error
	for _, f := range validateFiles {
		d, err := loadDefinitions(reg, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		names := d.chainNames()
		fmt.Fprintf(out, "%s: ok (%s)\n", f, strings.Join(names, ", "))
		if !validateGraph {
			continue
		}
		for _, name := range names {
			c := d.chains[name]
			fmt.Fprintf(out, "%%%% %s\n%s", c.Name, c.Table.Mermaid(c.Start))
		}
	}
	return errors.Join(errs...)
}
