package cli

import (
	"encoding/json"
	"fmt"
	"time"
)

// parseMetadataFlag decodes the --metadata flag's JSON object, or
// returns an empty map when the flag was not given.
func parseMetadataFlag(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing --metadata as JSON: %w", err)
	}
	return m, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
