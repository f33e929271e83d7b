package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"releasegen/internal/schema"
)

func newRecognizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recognize FILE...",
		Short: "Show how release file names are interpreted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, arg := range args {
				name := filepath.Base(arg)
				s, ok := schema.Recognize(name)
				if !ok {
					fmt.Fprintf(w, "%s\tunrecognized (copied through)\n", name)
					continue
				}
				variant, _ := schema.VariantOf(name)
				keys := make([]string, len(s.KeyFields))
				for i, k := range s.KeyFields {
					keys[i] = fmt.Sprint(k)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\tfields=%d\tkey=%s\tbeta=%t\n",
					name, s.ComponentType, variant, len(s.Fields), strings.Join(keys, ","), s.Beta)
			}
			return nil
		},
	}
}
