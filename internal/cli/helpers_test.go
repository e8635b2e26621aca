package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and stdin, returning stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetHelp(cmd)

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// resetHelp clears --help and --version left set by an earlier Execute on
// the shared command tree.
func resetHelp(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

// writeConfig writes a config file pointing data_dir at a temp directory.
func writeConfig(t *testing.T, extra map[string]interface{}) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")

	doc := map[string]interface{}{"data_dir": dataDir}
	for k, v := range extra {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	path = filepath.Join(dir, "tavern.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path, dataDir
}
