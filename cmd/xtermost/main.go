// Command xtermost is the CLI entrypoint: it wires cobra flags onto
// internal/driver.Run and maps the resulting error's xerrors.Kind to a
// process exit code.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"xtermost/internal/driver"
	"xtermost/internal/xerrors"
)

var (
	port         string
	quiet        bool
	allowOverlap bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "xtermost --port <port> <subcommand>",
		Short:         "Program an SST39SF-family NOR flash chip over a serial bootloader link",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&port, "port", "", "serial port the programmer is attached to (required)")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress the progress bar")
	root.MarkPersistentFlagRequired("port") //nolint:errcheck

	root.AddCommand(newWriteCmd(), newProgramCmd(), newEraseCmd())
	return root
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <bin>",
		Short: "Write a binary file starting at address 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndTranslate(driver.Config{
				Port:       port,
				Mode:       driver.ModeWrite,
				BinaryPath: args[0],
				Quiet:      quiet,
			})
		},
	}
}

func newProgramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "program <instruction-file>",
		Short: "Program flash at the addresses named in an instruction file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndTranslate(driver.Config{
				Port:         port,
				Mode:         driver.ModeProgram,
				PlanFile:     args[0],
				AllowOverlap: allowOverlap,
				Quiet:        quiet,
			})
		},
	}
	cmd.Flags().BoolVarP(&allowOverlap, "overlap", "o", false, "permit overlapping instructions, logging a warning instead of aborting")
	return cmd
}

func newEraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase",
		Short: "Erase the entire chip (interactive confirmation)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndTranslate(driver.Config{
				Port: port,
				Mode: driver.ModeErase,
			})
		},
	}
}

// runAndTranslate runs the driver and prints a human-readable diagnostic to
// stdout on failure, returning a non-nil error so main exits 1.
func runAndTranslate(cfg driver.Config) error {
	if err := driver.Run(cfg); err != nil {
		fmt.Printf("xtermost: %s: %v\n", xerrors.KindOf(err), err)
		log.WithError(err).Error("run failed")
		return err
	}
	return nil
}
