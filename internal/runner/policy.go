package runner

import (
	"fmt"
	"strings"
)

// shellControl lists constructs that could chain or substitute a second
// program past the allow-list.
var shellControl = []string{";", "&", "|", "`", "$(", ">", "<", "\n", "\r"}

// Policy decides whether a command may run. An empty allow-list permits
// everything.
type Policy struct {
	allowed map[string]bool
}

// NewPolicy builds a policy from program names such as "ls" or "git".
func NewPolicy(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]bool, len(allowed))}
	for _, name := range allowed {
		if name = strings.TrimSpace(name); name != "" {
			p.allowed[name] = true
		}
	}
	return p
}

// Restricted reports whether an allow-list is configured.
func (p *Policy) Restricted() bool {
	return len(p.allowed) > 0
}

// Check returns an error if command is not permitted. Under an allow-list
// the first word must be a bare allowed program name, resolved through
// PATH, and shell control operators are refused.
func (p *Policy) Check(command string) error {
	if !p.Restricted() {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("Command not allowed: %s", command)
	}
	program := fields[0]
	if strings.ContainsAny(program, `/\`) || !p.allowed[program] {
		return fmt.Errorf("Command not allowed: %s", program)
	}
	for _, op := range shellControl {
		if strings.Contains(command, op) {
			return fmt.Errorf("Command not allowed: shell operator %q", strings.TrimSpace(op))
		}
	}
	return nil
}
