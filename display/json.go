package display

import (
	"encoding/json"
	"os"

	"github.com/pterm/pterm"
)

// MarshalJSON indents for terminals and writes compact JSON when stdout is
// piped or styling is off
func MarshalJSON(v interface{}) ([]byte, error) {
	if !pterm.PrintColor || !isTerminal(os.Stdout) {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
