package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarkdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadValidStandaloneConfig(t *testing.T) {
	path := writeConfig(t, "mode: standalone\ndatabase: /var/lib/quarkdb\n")
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeStandalone, c.Mode)
	require.Equal(t, TraceInfo, c.Trace)
	require.Equal(t, "quarkdb", c.ClusterID)
}

func TestLoadRejectsRaftModeWithoutMyself(t *testing.T) {
	path := writeConfig(t, "mode: raft\ndatabase: /var/lib/quarkdb\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsRaftModeWithMyself(t *testing.T) {
	path := writeConfig(t, "mode: raft\ndatabase: /var/lib/quarkdb\nmyself: node1:7777\n")
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node1:7777", c.Myself)
}

func TestLoadRejectsTrailingSlashDatabase(t *testing.T) {
	path := writeConfig(t, "mode: standalone\ndatabase: /var/lib/quarkdb/\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsPasswordAndPasswordFileTogether(t *testing.T) {
	path := writeConfig(t, "mode: standalone\ndatabase: /x\npassword: a\npassword_file: /etc/pw\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsCertWithoutKey(t *testing.T) {
	path := writeConfig(t, "mode: standalone\ndatabase: /x\ncertificate_path: /a.crt\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestResolvedPasswordReadsFromFile(t *testing.T) {
	pwFile := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte("hunter2\n"), 0400))
	c := &Config{PasswordFile: pwFile}
	pw, err := c.ResolvedPassword()
	require.NoError(t, err)
	require.Equal(t, "hunter2", pw)
}

func TestLoadRejectsBulkloadModeWithoutInputFile(t *testing.T) {
	path := writeConfig(t, "mode: bulkload\ndatabase: /x\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestBootstrapMembersParsed(t *testing.T) {
	path := writeConfig(t, "mode: raft\ndatabase: /x\nmyself: a:1\nbootstrap_members:\n  - a:1\n  - b:1\n  - c:1\n")
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:1", "c:1"}, c.BootstrapMembers)
}
