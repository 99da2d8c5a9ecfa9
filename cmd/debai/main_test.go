package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()

	dir := t.TempDir()
	global := filepath.Join(dir, "config.yaml")
	project := filepath.Join(dir, "project.yaml")
	require.NoError(t, os.WriteFile(global, []byte("engine:\n  concurrency: 2\n"), 0o644))

	var out, errOut bytes.Buffer
	full := append([]string{"debai", "--no-log", "--config", global, "--project-config", project}, args...)
	err = Run(context.Background(), full, strings.NewReader(""), &out, &errOut)
	return out.String(), err
}

func TestRun(t *testing.T) {
	tests := map[string]struct {
		args      []string
		expErr    bool
		expOutput []string
	}{
		"Validate should report a valid configuration.": {
			args:      []string{"validate"},
			expOutput: []string{"Configuration is valid.", "Templates:  5 agents, 5 tasks"},
		},
		"Templates should print both template tables.": {
			args:      []string{"templates"},
			expOutput: []string{"AGENT TEMPLATE", "TASK TEMPLATE", "package_updater"},
		},
		"Executions on an empty ledger should print an empty JSON list.": {
			args:      []string{"executions", "--format", "json"},
			expOutput: []string{"[]"},
		},
		"Executions with an unknown format should fail.": {
			args:   []string{"executions", "--format", "xml"},
			expErr: true,
		},
		"An unknown command should fail.": {
			args:   []string{"explode"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			out, err := runCLI(t, test.args...)
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(t, err)
			for _, exp := range test.expOutput {
				assert.Contains(out, exp)
			}
		})
	}
}
