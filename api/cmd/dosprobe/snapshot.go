package dosprobe

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewSnapshotCmd() *cobra.Command {
	var backendName string

	snapshotCmd := &cobra.Command{
		Use:   "snapshot <save|load> <name>",
		Short: "Save or load a named machine snapshot.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, name := args[0], args[1]

			b, _, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			switch action {
			case "save":
				err = b.SaveSnapshot(cmd.Context(), name)
			case "load":
				err = b.LoadSnapshot(cmd.Context(), name)
			default:
				return fmt.Errorf("action must be \"save\" or \"load\"")
			}
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %q %sd\n", name, action)
			return nil
		},
	}

	snapshotCmd.Flags().StringVar(&backendName, "backend", "qemu", "backend to use (qemu|dosbox)")

	return snapshotCmd
}

func NewStateCmd() *cobra.Command {
	var backendName string

	stateCmd := &cobra.Command{
		Use:   "state <list>",
		Short: "Inspect saved machine states.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "list" {
				return fmt.Errorf("unknown action %q, expected \"list\"", args[0])
			}

			b, _, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			states, err := b.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("no saved states found")
				return nil
			}
			fmt.Printf("%-20s %10s  %s\n", "NAME", "SIZE", "MODIFIED")
			for _, state := range states {
				size := "-"
				if state.Size > 0 {
					size = fmt.Sprintf("%.1fKB", float64(state.Size)/1024)
				}
				modified := "-"
				if state.Modified != nil {
					modified = state.Modified.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %10s  %s\n", state.Name, size, modified)
			}
			return nil
		},
	}

	stateCmd.Flags().StringVar(&backendName, "backend", "dosbox", "backend to use (qemu|dosbox)")

	return stateCmd
}
