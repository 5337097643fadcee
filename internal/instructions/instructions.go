package instructions

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"kbagent/internal/logging"
)

//go:embed default_instructions.txt
var defaultInstructions string

// SourceDefault is reported when the embedded block was used.
const SourceDefault = "built-in"

// Result is the instruction text handed to a new agent.
type Result struct {
	Text      string
	Source    string
	Defaulted bool
}

// Default returns the built-in support instructions.
func Default() string {
	return strings.TrimSpace(defaultInstructions)
}

// Load reads the instructions file. A missing, unreadable or blank file falls
// back to Default and logs a warning; it never fails.
func Load(path string) Result {
	text, err := read(path)
	if err != nil {
		logging.WarnLog("instructions: %v; using built-in instructions", err)
		return Result{Text: Default(), Source: SourceDefault, Defaulted: true}
	}
	logging.DevLog("instructions loaded from %s (%d chars)", path, len(text))
	return Result{Text: text, Source: path}
}

func read(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("no instructions path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return text, nil
}
