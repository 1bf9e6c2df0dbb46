package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-yolov3/fetch"
)

func fetchCommand(ctx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the pretrained weights, topology and class names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := fetch.NewFetcher(ctx.Log).EnsureAll(cmd.Context(), ctx.Settings.Assets())
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", p)
			}
			return err
		},
	}
}
