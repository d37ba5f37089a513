package cmd

import (
	"fmt"
	"sort"

	"github.com/mtphotos/face-api/src/predict"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List supported detector backends and recognition models",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Detector backends:")
		for _, name := range predict.DetectorBackends {
			fmt.Fprintf(out, "  %s\n", name)
		}

		names := make([]string, 0, len(predict.EmbeddingSizes))
		for name := range predict.EmbeddingSizes {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out, "Recognition models:")
		for _, name := range names {
			fmt.Fprintf(out, "  %-14s %d dimensions\n", name, predict.EmbeddingSizes[name])
		}
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
