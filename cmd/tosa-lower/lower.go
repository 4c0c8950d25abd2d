package main

import (
	"fmt"
	"os"

	"github.com/gomlx/tosa-gomlx/etrecord"
	"github.com/gomlx/tosa-gomlx/tosa"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// LowerOptions holds the flags of the lower command.
type LowerOptions struct {
	Spec         string
	GraphPath    string
	OutPath      string
	ETRecordPath string
	Strict       bool
}

// NewLowerCommand creates the lower command.
func NewLowerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LowerOptions{}
	cmd := &cobra.Command{
		Use:   "lower",
		Short: "Lower a graph to a TOSA program",
		Long: `Lower a graph in YAML format to a TOSA program for the given specification.

The program is written with --out in binary (protobuf) format, and printed
in the --format given. With --etrecord, an ETRecord relating the graph
nodes to the emitted TOSA operators is also written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLower(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Spec, "spec", "TOSA-1.0+INT", "TOSA specification, e.g. TOSA-0.80+BI")
	cmd.Flags().StringVarP(&opts.GraphPath, "graph", "g", "", "graph file in YAML format")
	cmd.Flags().StringVarP(&opts.OutPath, "out", "o", "", "file to write the TOSA program to")
	cmd.Flags().StringVar(&opts.ETRecordPath, "etrecord", "", "file to write an ETRecord to")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail if any node can't be lowered")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func runLower(rootOpts *RootOptions, opts *LowerOptions, cmd *cobra.Command) error {
	spec, err := tosa.ParseSpecification(opts.Spec)
	if err != nil {
		return err
	}
	g, err := tosa.ReadGraphFile(opts.GraphPath)
	if err != nil {
		return err
	}
	program, report, err := tosa.NewLowerer(spec).WithStrict(opts.Strict).Lower(g)
	if err != nil {
		return err
	}
	klog.Infof("lowered graph %q: %d of %d node(s) delegated", g.Name, len(report.Delegated()), len(report.Nodes))

	if opts.OutPath != "" {
		data, err := program.MarshalBinary()
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.OutPath, data, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write program to %q", opts.OutPath)
		}
	}
	if opts.ETRecordPath != "" {
		id, err := etrecord.Generate(opts.ETRecordPath, g, program, etrecord.Options{Report: report})
		if err != nil {
			return err
		}
		klog.Infof("ETRecord %s written to %q", id, opts.ETRecordPath)
	}

	w := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		text, err := program.MarshalText()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(text))
		return err
	}
	fmt.Fprint(w, report)
	fmt.Fprint(w, program)
	return nil
}
