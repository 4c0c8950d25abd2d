package main

import (
	"flag"
	"slices"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// RootOptions holds the flags shared by all commands.
type RootOptions struct {
	Format string // "text" | "json"
}

// ValidFormats lists the accepted values of --format.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the tosa-lower command and its subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "tosa-lower",
		Short: "Lower ATen graphs to TOSA programs",
		Long: `Lower traced ATen graphs, described in YAML, to TOSA operator programs.

Operators are lowered for one TOSA specification (e.g. TOSA-1.0+INT). Nodes
that can't be lowered are left to the host, unless --strict is given.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return errors.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewLowerCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewTargetsCommand(opts))
	return cmd
}
