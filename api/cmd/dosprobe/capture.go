package dosprobe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/capture"
	"github.com/dosprobe/dosprobe/api/pkg/config"
	"github.com/dosprobe/dosprobe/api/pkg/server"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// newBackend resolves the --backend flag against the environment config and
// builds a connected backend for one-shot CLI verbs.
func newBackend(cmd *cobra.Command, kindName string) (backend.Backend, config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, cfg, err
	}
	kind, err := types.ParseBackendKind(kindName)
	if err != nil {
		return nil, cfg, err
	}
	b, err := server.NewFactory(cfg)(kind)
	if err != nil {
		return nil, cfg, err
	}
	if err := b.Connect(cmd.Context()); err != nil {
		return nil, cfg, err
	}
	return b, cfg, nil
}

func printRegisters(w io.Writer, regs types.Registers) {
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s = %s\n", name, types.FormatValue(name, regs[name]))
	}
}

func NewCaptureCmd() *cobra.Command {
	var (
		backendName string
		prefix      string
		snapshot    string
		breakpoint  string
		keys        []string
		wait        time.Duration
	)

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the full capture pipeline: framebuffer, screenshot, registers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, cfg, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			req := types.CaptureRequest{
				Prefix:   prefix,
				Snapshot: snapshot,
				Keys:     keys,
				WaitTime: wait,
			}
			if breakpoint != "" {
				addr, err := types.ParseAddress(breakpoint)
				if err != nil {
					return err
				}
				req.Breakpoint = &addr
			}

			runner := &capture.Runner{
				Dir: cfg.Paths.CapturesDir,
				OnProgress: func(stage, detail string) {
					fmt.Printf("[capture] %s %s\n", stage, detail)
				},
			}
			result, err := runner.Run(cmd.Context(), b, req)
			if err != nil {
				return err
			}

			fmt.Printf("capture %q complete, %d artifacts:\n", result.Prefix, len(result.Checksums))
			names := make([]string, 0, len(result.Checksums))
			for name := range result.Checksums {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s  %s\n", result.Checksums[name][:16], name)
			}
			if len(result.Registers) > 0 {
				fmt.Println("registers:")
				printRegisters(cmd.OutOrStdout(), result.Registers)
			}
			return nil
		},
	}

	captureCmd.Flags().StringVar(&backendName, "backend", "dosbox", "backend to use (qemu|dosbox)")
	captureCmd.Flags().StringVarP(&prefix, "prefix", "p", "capture", "artifact filename prefix")
	captureCmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot to load first")
	captureCmd.Flags().StringVarP(&breakpoint, "breakpoint", "b", "", "break at address (seg:off or 0xLinear)")
	captureCmd.Flags().StringSliceVarP(&keys, "keys", "k", nil, "key sequence to inject")
	captureCmd.Flags().DurationVarP(&wait, "wait", "w", 0, "settle time after keys (default 2s)")

	return captureCmd
}

func NewDumpMemoryCmd() *cobra.Command {
	var (
		backendName string
		output      string
	)

	dumpCmd := &cobra.Command{
		Use:   "dump-memory <address> <size>",
		Short: "Dump guest memory to a file.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}
			var size int
			if _, err := fmt.Sscanf(args[1], "%d", &size); err != nil || size <= 0 {
				return fmt.Errorf("size must be a positive integer")
			}

			b, cfg, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			data, err := b.ReadMemory(cmd.Context(), addr, size)
			if err != nil {
				return err
			}

			path := output
			if !filepath.IsAbs(path) {
				path = filepath.Join(cfg.Paths.CapturesDir, path)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("saved %d bytes from %s to %s\n", len(data), addr, path)
			return nil
		},
	}

	dumpCmd.Flags().StringVar(&backendName, "backend", "dosbox", "backend to use (qemu|dosbox)")
	dumpCmd.Flags().StringVarP(&output, "output", "o", "memdump.bin", "output file")

	return dumpCmd
}

func NewInjectKeysCmd() *cobra.Command {
	var (
		backendName string
		delay       time.Duration
	)

	keysCmd := &cobra.Command{
		Use:   "inject-keys <key> [key...]",
		Short: "Send a key sequence to the guest.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			if err := b.SendKeys(cmd.Context(), args, delay); err != nil {
				return err
			}
			fmt.Printf("injected %d keystrokes\n", len(args))
			return nil
		},
	}

	keysCmd.Flags().StringVar(&backendName, "backend", "dosbox", "backend to use (qemu|dosbox)")
	keysCmd.Flags().DurationVarP(&delay, "delay", "d", 0, "delay before/between keys (backend default when zero)")

	return keysCmd
}

func NewRegistersCmd() *cobra.Command {
	var backendName string

	registersCmd := &cobra.Command{
		Use:   "registers",
		Short: "Dump the guest CPU registers.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, _, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			regs, err := b.ReadRegisters(cmd.Context())
			if err != nil {
				return err
			}
			if len(regs) == 0 {
				fmt.Println("no register data found")
				return nil
			}
			printRegisters(cmd.OutOrStdout(), regs)
			return nil
		},
	}

	registersCmd.Flags().StringVar(&backendName, "backend", "dosbox", "backend to use (qemu|dosbox)")

	return registersCmd
}

func NewScreenshotCmd() *cobra.Command {
	var (
		backendName string
		output      string
	)

	screenshotCmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Take a screenshot of the guest display.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, cfg, err := newBackend(cmd, backendName)
			if err != nil {
				return err
			}
			defer func() { _ = b.Shutdown(cmd.Context()) }()

			data, format, err := b.Screenshot(cmd.Context())
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = filepath.Join(cfg.Paths.CapturesDir, "screenshot."+format.Extension())
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("saved %d bytes (%s) to %s\n", len(data), format, path)
			return nil
		},
	}

	screenshotCmd.Flags().StringVar(&backendName, "backend", "qemu", "backend to use (qemu|dosbox)")
	screenshotCmd.Flags().StringVarP(&output, "output", "o", "", "output file (default captures dir)")

	return screenshotCmd
}
