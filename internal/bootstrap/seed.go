// Package bootstrap seeds the vault with the starter layout agent runs
// expect: the instruction file the agent binary reads from its working
// directory, and the notes directory scheduled jobs append to.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// ClaudeFile is the instruction file read from the agent's working directory.
const ClaudeFile = "CLAUDE.md"

// historyDir matches the directory the history manager writes under.
const historyDir = "agent-files"

// EnsureVaultFiles seeds vaultDir with the starter layout. Existing files
// are never overwritten. Returns the names of files it created.
func EnsureVaultFiles(vaultDir string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(vaultDir, historyDir), 0755); err != nil {
		return nil, err
	}

	var created []string
	ok, err := seedTemplate(vaultDir, ClaudeFile)
	if err != nil {
		return created, err
	}
	if ok {
		created = append(created, ClaudeFile)
	}
	return created, nil
}

// seedTemplate writes an embedded template unless the file already exists.
// Returns true when the file was created.
func seedTemplate(vaultDir, name string) (bool, error) {
	dstPath := filepath.Join(vaultDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
