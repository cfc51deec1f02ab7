package cli

import (
	"encoding/json"
	"fmt"
	"os"
)

// writeJSONFile marshals v as indented JSON to path, used by the
// deadletter export subcommand.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing export file %s: %w", path, err)
	}
	return nil
}
