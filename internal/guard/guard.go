// Package guard screens shell commands before dispatch. Model-proposed
// commands run with the user's privileges, so a small blocklist of
// destructive patterns is checked case-insensitively on every command in
// every mode. A blocked command is dropped, never dispatched.
package guard

import (
	"strconv"
	"strings"

	"github.com/kilnworks/kiln/pkg/models"
)

// Result is the outcome of screening one command.
type Result struct {
	Command string `json:"command"`
	Passed  bool   `json:"passed"`
	Rule    string `json:"rule,omitempty"`    // pattern that matched when blocked
	Message string `json:"message,omitempty"` // explanation when blocked
}

// Err materializes a blocked result as a DangerousCommandError. Passing
// results yield nil.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return &models.DangerousCommandError{Command: r.Command, Pattern: r.Rule}
}

// rules are matched as substrings of the lowercased command. The fork bomb
// prefix `:(){ ` covers the classic `:(){ :|:& };:` and its variants.
var rules = []string{
	"rm -rf /",
	"rm -rf ~",
	"sudo rm",
	"mkfs",
	"dd if=",
	":(){",
}

// Check screens a single command. The zero-value command passes.
func Check(command string) Result {
	lowered := strings.ToLower(command)
	for _, rule := range rules {
		if strings.Contains(lowered, rule) {
			return Result{
				Command: command,
				Passed:  false,
				Rule:    rule,
				Message: "command matches destructive pattern " + strconv.Quote(rule),
			}
		}
	}
	return Result{Command: command, Passed: true}
}

// Dangerous reports whether a command would be blocked by Check.
func Dangerous(command string) bool {
	return !Check(command).Passed
}
