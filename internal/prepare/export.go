package prepare

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"capstan/internal/keys"
)

// exportKeys merges one track's resolved keys into the export file. The file
// accumulates across tracks and runs: {"title": {"track": {"kid": "key"}}}.
// A lock file guards the read-merge-write cycle against other processes.
func exportKeys(path, title, track string, resolved map[keys.KeyID]keys.ContentKey) error {
	if len(resolved) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock export file: %w", err)
	}
	defer lock.Unlock()

	doc := make(map[string]map[string]map[string]string)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read export file: %w", err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse export file: %w", err)
		}
	}

	if doc[title] == nil {
		doc[title] = make(map[string]map[string]string)
	}
	if doc[title][track] == nil {
		doc[title][track] = make(map[string]string)
	}
	for kid, key := range resolved {
		if key.IsZero() {
			continue
		}
		doc[title][track][kid.Hex()] = key.String()
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace export file: %w", err)
	}
	return nil
}
