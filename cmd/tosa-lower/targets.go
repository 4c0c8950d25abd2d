package main

import (
	"encoding/json"
	"fmt"

	"github.com/gomlx/tosa-gomlx/tosa"
	"github.com/spf13/cobra"
)

// NewTargetsCommand creates the targets command.
func NewTargetsCommand(rootOpts *RootOptions) *cobra.Command {
	var specToken string
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the operators that can be lowered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec tosa.Specification
			if specToken != "" {
				var err error
				if spec, err = tosa.ParseSpecification(specToken); err != nil {
					return err
				}
			}
			var keys []tosa.DispatchKey
			for _, key := range tosa.DefaultRegistry().Targets() {
				if spec.IsZero() || key.Spec == spec {
					keys = append(keys, key)
				}
			}

			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				type target struct {
					Target string `json:"target"`
					Spec   string `json:"spec"`
				}
				targets := make([]target, len(keys))
				for ii, key := range keys {
					targets[ii] = target{Target: key.Target, Spec: key.Spec.String()}
				}
				encoder := json.NewEncoder(w)
				encoder.SetIndent("", "  ")
				return encoder.Encode(targets)
			}
			for _, key := range keys {
				fmt.Fprintln(w, key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specToken, "spec", "", "only list operators of this TOSA specification")
	return cmd
}
