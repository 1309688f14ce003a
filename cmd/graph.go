package cmd

import (
	"fmt"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/presence"
	"github.com/spf13/cobra"
)

// graphCmd prints the room state graph in DOT format, e.g. `dynpresence graph | dot -Tsvg > states.svg`.
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: models.AppIcon + " print the room state graph",

	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(presence.NewMachine(presence.Vacant).Graph())
	},
}

func init() { //nolint:gochecknoinits
	rootCmd.AddCommand(graphCmd)
}
