package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/tosa-gomlx/etrecord"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <etrecord>",
		Short: "Print the contents of an ETRecord",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := etrecord.Parse(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				text, err := record.TosaProgram.MarshalText()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, string(text))
				return err
			}

			fmt.Fprintf(w, "record %s\n", record.ID)
			fmt.Fprintf(w, "edge graph %q: %d node(s)\n", record.EdgeDialectProgram.Name, len(record.EdgeDialectProgram.Nodes))
			if record.ExportedProgram != nil {
				fmt.Fprintf(w, "exported graph %q: %d node(s)\n", record.ExportedProgram.Name, len(record.ExportedProgram.Nodes))
			}
			for _, name := range slices.Sorted(maps.Keys(record.GraphMap)) {
				fmt.Fprintf(w, "graph %s: %d node(s)\n", name, len(record.GraphMap[name].Nodes))
			}
			if record.DebugHandleMap != nil {
				handles, err := yaml.Marshal(record.DebugHandleMap)
				if err != nil {
					return errors.Wrap(err, "failed to print debug handle map")
				}
				fmt.Fprintf(w, "debug handles:\n%s", handles)
			}
			fmt.Fprint(w, record.TosaProgram)
			return nil
		},
	}
}
