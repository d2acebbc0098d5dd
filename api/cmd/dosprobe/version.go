package dosprobe

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dosprobe version.",
		Run: func(*cobra.Command, []string) {
			fmt.Println(Version)
		},
	}
}
