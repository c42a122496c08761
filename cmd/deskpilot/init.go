package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/deskpilot/examples"
)

// runInit writes the example config into dir. An existing config.yaml
// is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "wrote %s\n", configPath)
		fmt.Fprintln(w, "Set OPENAI_API_KEY (or configure another provider) and run: deskpilot serve")
	} else {
		fmt.Fprintf(w, "%s already exists, left unchanged\n", configPath)
	}
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
