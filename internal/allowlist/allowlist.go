// Package allowlist gates every command before it can reach a sandbox.
// Commands are argument vectors, never shell strings, and the default is
// deny: a command head absent from the enumerated allowlist is rejected.
// The checker decides; it never executes anything.
package allowlist

import (
	"fmt"
	"strings"

	"github.com/basket/rfsn/internal/audit"
	"github.com/basket/rfsn/internal/config"
)

// Decision is the outcome of a command check.
type Decision struct {
	Allowed bool
	Reason  string
}

// DenyError is returned by callers that surface a deny as an error.
type DenyError struct {
	Argv   []string
	Reason string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("command denied: %s (argv %v)", e.Reason, e.Argv)
}

// shellMetachars are rejected in any token. A command that needs them is a
// command trying to smuggle a shell.
const shellMetachars = ";&|$`><(){}\n"

// defaultAllowed enumerates permitted command heads when config supplies none.
var defaultAllowed = []string{
	"git", "go", "gofmt", "python", "python3", "pytest",
	"ls", "cat", "head", "tail", "grep", "wc", "diff", "echo", "true",
}

// defaultBlocked holds heads that are never allowed regardless of the
// configured allowlist: shells, privilege escalation, and build drivers that
// execute arbitrary sub-commands.
var defaultBlocked = []string{
	"sh", "bash", "dash", "zsh", "fish",
	"sudo", "su", "doas",
	"xargs", "env", "nohup", "setsid", "eval", "exec",
	"make", "cmake", "ninja",
}

// Checker is a pure decision function over argument vectors.
type Checker struct {
	allowed map[string]struct{}
	blocked map[string]struct{}
}

// New builds a Checker from config, falling back to the built-in lists.
func New(cfg config.AllowlistConfig) *Checker {
	allowed := cfg.Allowed
	if len(allowed) == 0 {
		allowed = defaultAllowed
	}
	c := &Checker{
		allowed: make(map[string]struct{}, len(allowed)),
		blocked: make(map[string]struct{}, len(defaultBlocked)+len(cfg.BlockedPatterns)),
	}
	for _, head := range allowed {
		c.allowed[strings.ToLower(strings.TrimSpace(head))] = struct{}{}
	}
	for _, head := range defaultBlocked {
		c.blocked[head] = struct{}{}
	}
	for _, head := range cfg.BlockedPatterns {
		c.blocked[strings.ToLower(strings.TrimSpace(head))] = struct{}{}
	}
	return c
}

// Check decides whether argv may execute. Every deny emits one rejection
// event to the audit stream; nothing is ever spawned here.
func (c *Checker) Check(argv []string) Decision {
	d := c.decide(argv)
	if !d.Allowed {
		audit.Record("command_check", "deny", strings.Join(argv, " "), d.Reason)
	}
	return d
}

func (c *Checker) decide(argv []string) Decision {
	if len(argv) == 0 {
		return Decision{Reason: "empty command"}
	}

	for _, token := range argv {
		if strings.ContainsAny(token, shellMetachars) {
			return Decision{Reason: fmt.Sprintf("token %q contains shell metacharacters", token)}
		}
	}

	head := strings.ToLower(strings.TrimSpace(argv[0]))
	if head == "" {
		return Decision{Reason: "empty command head"}
	}
	if _, hit := c.blocked[head]; hit {
		return Decision{Reason: fmt.Sprintf("command head %q is blocked", head)}
	}

	// Shell wrapper smuggled through an allowed head, e.g. ["git","-c","..."]
	// is fine but ["python","-c","..."] executes arbitrary code.
	if head == "python" || head == "python3" {
		for _, token := range argv[1:] {
			if token == "-c" {
				return Decision{Reason: "interpreter -c wrapper is not permitted"}
			}
		}
	}

	if _, ok := c.allowed[head]; !ok {
		return Decision{Reason: fmt.Sprintf("command head %q not in allowlist", head)}
	}
	return Decision{Allowed: true}
}

// Require converts a Decision into a DenyError when the command is rejected.
func (c *Checker) Require(argv []string) error {
	if d := c.Check(argv); !d.Allowed {
		return &DenyError{Argv: argv, Reason: d.Reason}
	}
	return nil
}
