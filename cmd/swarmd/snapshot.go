package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"swarmd/internal/task"
)

// snapshotPathForProject derives a default task-snapshot file path from the
// project path, mirroring ipc.SocketPathForProject's hash-the-project-path
// shape so both derived paths land in the same swarmd state directory.
func snapshotPathForProject(projectPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(projectPath)))
	name := hex.EncodeToString(sum[:])[:16]
	return filepath.Join(os.TempDir(), "swarmd", fmt.Sprintf("%s.tasks.json", name))
}

// loadSnapshot reads a JSON task snapshot from path into store. A missing
// file is not an error -- it means the store starts empty, the same as a
// freshly created project.
func loadSnapshot(path string, store *task.MemoryStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read task snapshot %s: %w", path, err)
	}
	var tasks []task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("parse task snapshot %s: %w", path, err)
	}
	store.Import(tasks)
	return nil
}

// saveSnapshot writes store's current tasks to path as JSON, creating the
// parent directory if necessary.
func saveSnapshot(path string, store *task.MemoryStore) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create task snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(store.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write task snapshot %s: %w", path, err)
	}
	return nil
}
