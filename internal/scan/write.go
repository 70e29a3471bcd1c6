package scan

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile places content at a workspace-relative path atomically:
// parent directories are created, content lands in a temporary sibling,
// and a rename moves it into place. Readers never observe a partial
// file. Paths that escape the workspace root are rejected.
func WriteFile(root, rel, content string) error {
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("path %q escapes the workspace", rel)
	}
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", rel, err)
	}
	tmp := full + ".kiln-tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", rel, err)
	}
	return nil
}
