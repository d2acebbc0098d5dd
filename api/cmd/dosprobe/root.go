package dosprobe

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dosprobe",
		Short: "dosprobe",
		Long:  `Control plane and live-debug broker for DOS programs running under emulation`,
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewCaptureCmd())
	rootCmd.AddCommand(NewDumpMemoryCmd())
	rootCmd.AddCommand(NewInjectKeysCmd())
	rootCmd.AddCommand(NewRegistersCmd())
	rootCmd.AddCommand(NewScreenshotCmd())
	rootCmd.AddCommand(NewSnapshotCmd())
	rootCmd.AddCommand(NewStateCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
