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

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProvisioningCommands(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("BASTION_STORE_DRIVER", "sqlite")
	t.Setenv("BASTION_STORE_DSN", filepath.Join(dir, "bastion.db"))
	t.Setenv("BASTION_STORE_AUTO_MIGRATE", "false")
	t.Setenv("BASTION_LOG_LEVEL", "error")
	t.Setenv("BASTION_HASH_ARGON2_TIME", "1")
	t.Setenv("BASTION_HASH_ARGON2_MEMORY_KIB", "1024")
	t.Setenv("BASTION_HASH_ARGON2_THREADS", "1")

	out, err := execute(t, "", "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 0001_identity_core")

	out, err = execute(t, "", "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "0001_identity_core")

	out, err = execute(t, "", "tenant", "create", "acme", "--name", "Acme Corp", "--actor", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "tenant acme created")

	out, err = execute(t, "", "policy", "set", "acme", "--lockout-threshold", "3", "--idle-timeout", "0s")
	require.NoError(t, err)
	assert.Regexp(t, `lockout_threshold\s+3`, out)
	assert.Regexp(t, `idle_timeout\s+0s`, out)
	assert.Regexp(t, `lockout_duration\s+15m0s`, out, "unset flags keep the current value")

	out, err = execute(t, "correct-horse\n", "identity", "create", "acme", "alice", "--secret-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "identity alice created")

	_, err = execute(t, "", "identity", "create", "acme", "bob")
	assert.Error(t, err, "a secret source is required")

	out, err = execute(t, "", "identity", "unlock", "acme", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "unlocked")

	out, err = execute(t, "", "identity", "history", "acme", "alice")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, "header, created, admin_unlock")
	assert.Contains(t, lines[1], "created")
	assert.Contains(t, lines[2], "admin_unlock")
	assert.Contains(t, lines[2], "current")

	out, err = execute(t, "", "identity", "deactivate", "acme", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "0 session(s) revoked")

	_, err = execute(t, "", "identity", "unlock", "acme", "ghost")
	assert.Error(t, err)
}

func TestMigrateRejectsMemoryStore(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BASTION_STORE_DRIVER", "memory")
	_, err := execute(t, "", "migrate", "up")
	assert.ErrorContains(t, err, "memory store")
}

// chdir changes the working directory for the duration of the test,
// restoring the original on cleanup (equivalent to testing.T.Chdir).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}
