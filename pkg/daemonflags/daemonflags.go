// Package daemonflags wires the CLI surface every reconciler daemon shares
// (spec.md §6: "-h", "-r {0,1}", "-d <dir>") onto a cobra root command, the
// way cmd/newtron's addWriteFlags/addOutputFlags wire -x/-s/--json onto its
// noun-group commands.
package daemonflags

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Flags holds the parsed values of the shared daemon CLI surface.
type Flags struct {
	// recordingFlag is the raw "-r {0,1}" value (spec.md §6); Recording()
	// exposes the validated bool a daemon actually wants.
	recordingFlag int
	// RecordDir is the audit file directory (spec.md §6 "-d", default ".").
	RecordDir string
}

// Recording reports whether per-delta audit recording is enabled.
func (f *Flags) Recording() bool { return f.recordingFlag != 0 }

// Add registers -r/-d on cmd and returns the Flags struct their parsed
// values land in once cmd.Execute runs. -h is cobra's own builtin, not
// added here. PreRunE validates -r is exactly 0 or 1 (spec.md §6: "Exit
// code... non-zero on argument error"), matching the engine-wide rule
// that a malformed CLI flag is one of the two cases main converts to a
// process exit.
func Add(cmd *cobra.Command) *Flags {
	f := &Flags{recordingFlag: 1}
	flags := cmd.Flags()
	flags.IntVarP(&f.recordingFlag, "recording", "r", 1, "enable (1) or disable (0) per-delta audit recording")
	flags.StringVarP(&f.RecordDir, "dir", "d", ".", "directory for the audit record file (must be writable)")

	existingPreRunE := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if f.recordingFlag != 0 && f.recordingFlag != 1 {
			return fmt.Errorf("daemonflags: -r must be 0 or 1, got %d", f.recordingFlag)
		}
		if existingPreRunE != nil {
			return existingPreRunE(cmd, args)
		}
		return nil
	}
	return f
}
