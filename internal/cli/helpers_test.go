package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a minimal YAML config whose data directory is dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "datalens.yaml")
	content := "data_dir: " + dir + "\nserver:\n  host: 127.0.0.1\n  port: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// newTestRoot returns the root command with every flag in the tree back at
// its default. The command tree is package state, so a --help or --force
// parsed by one test would otherwise still be set in the next.
func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(t, cmd)
	t.Cleanup(func() {
		resetFlags(t, cmd)
		cmd.SetArgs(nil)
		cmd.SetIn(nil)
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	})
	return cmd
}

func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue), "reset --%s", f.Name)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(t, c)
	}
}
