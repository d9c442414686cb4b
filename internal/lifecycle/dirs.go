package lifecycle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Container runtime identity that owns the data directories.
const (
	RuntimeUID = 1000
	RuntimeGID = 1000
)

// InitScriptName is the per-agent ownership script mounted into the
// container at /docker-init.sh.
const InitScriptName = "init_permissions.sh"

// initScript enforces in-container ownership of the mounted
// directories before the agent process starts.
const initScript = `#!/bin/sh
# Fix ownership of mounted agent directories, then drop to the agent user.
set -e
chown -R 1000:1000 /app/data /app/data_archive /app/logs /app/config /app/audit_keys /app/.secrets
chmod 700 /app/audit_keys /app/.secrets
exec "$@"
`

// agentSubdirs is the post-condition of MaterializeAgentDir. Modes are
// applied explicitly; the umask must not matter.
//
//	path                 owner          mode
//	{dir}/               manager        0755
//	{dir}/data           runtime user   0755
//	{dir}/data_archive   runtime user   0755
//	{dir}/logs           runtime user   0755
//	{dir}/config         runtime user   0755
//	{dir}/audit_keys     runtime user   0700
//	{dir}/.secrets       runtime user   0700
//	{dir}/init_permissions.sh  manager  0755
//	{dir}/docker-compose.yml   manager  0644  (written separately)
var agentSubdirs = []struct {
	name string
	mode fs.FileMode
}{
	{"data", 0755},
	{"data_archive", 0755},
	{"logs", 0755},
	{"config", 0755},
	{"audit_keys", 0700},
	{".secrets", 0700},
}

// MaterializeAgentDir creates the per-agent directory tree, writes the
// init script, and hands the data directories to the container runtime
// UID. The compose file is not part of this operation; it stays owned
// by the manager so it can be rewritten later.
//
// Ownership transfer requires privilege; chownFn is swappable so tests
// can run unprivileged.
func MaterializeAgentDir(dir string, chownFn func(path string, uid, gid int) error) error {
	if chownFn == nil {
		chownFn = os.Chown
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create agent dir %s: %w", dir, err)
	}
	for _, sub := range agentSubdirs {
		path := filepath.Join(dir, sub.name)
		if err := os.MkdirAll(path, sub.mode); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		// MkdirAll does not chmod pre-existing dirs, and the umask may
		// have stripped bits on fresh ones.
		if err := os.Chmod(path, sub.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
		if err := chownFn(path, RuntimeUID, RuntimeGID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}

	scriptPath := filepath.Join(dir, InitScriptName)
	if err := os.WriteFile(scriptPath, []byte(initScript), 0755); err != nil {
		return fmt.Errorf("write init script: %w", err)
	}
	return nil
}

// RemoveComposeFile deletes the compose file after agent deletion. The
// data directory is retained; it may hold container-owned files and
// the audit history.
func RemoveComposeFile(composePath string) error {
	if err := os.Remove(composePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove compose file: %w", err)
	}
	return nil
}
