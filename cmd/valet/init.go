package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mstrand/valet/internal/defaults"
)

// runInit initializes a Valet working directory with default files.
// It creates the data directory and copies the bundled example config
// and system prompt. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Valet workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Join(dir, "data"), err)
	}

	// The config may hold SMTP/MQTT credentials, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	promptPath := filepath.Join(dir, "prompt.md")
	if err := writeIfMissing(promptPath, defaults.PromptMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", promptPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your Ollama instance, then run: valet serve")
	fmt.Fprintln(w, "To customize the assistant's behavior, set agent.system_prompt_file to prompt.md.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, perm)
}
