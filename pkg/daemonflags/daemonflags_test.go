package daemonflags

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTestCmd() (*cobra.Command, *Flags) {
	cmd := &cobra.Command{
		Use: "testd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}
	f := Add(cmd)
	return cmd, f
}

func TestDefaultsRecordingOnCurrentDir(t *testing.T) {
	cmd, f := newTestCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !f.Recording() {
		t.Errorf("expected recording on by default")
	}
	if f.RecordDir != "." {
		t.Errorf("RecordDir = %q, want \".\"", f.RecordDir)
	}
}

func TestRecordingDisabledByFlag(t *testing.T) {
	cmd, f := newTestCmd()
	cmd.SetArgs([]string{"-r", "0", "-d", "/tmp/audit"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.Recording() {
		t.Errorf("expected recording disabled by -r 0")
	}
	if f.RecordDir != "/tmp/audit" {
		t.Errorf("RecordDir = %q, want /tmp/audit", f.RecordDir)
	}
}

func TestInvalidRecordingValueErrors(t *testing.T) {
	cmd, _ := newTestCmd()
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetArgs([]string{"-r", "2"})
	if err := cmd.Execute(); err == nil {
		t.Errorf("expected -r 2 to be rejected as an argument error")
	}
}
