package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DefaultStopTimeout is how long a process group gets to exit after SIGTERM
// before it is killed.
const DefaultStopTimeout = 5 * time.Second

// Spec describes an external command run under supervision.
type Spec struct {
	Name        string        `json:"name"`
	Command     string        `json:"command"`  // command line, run through /bin/sh when it needs a shell
	WorkDir     string        `json:"work_dir"` // optional working dir
	Env         []string      `json:"env"`      // full environment; nil inherits the parent's
	StopTimeout time.Duration `json:"stop_timeout"`
}

// Validate checks the fields required to start the command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + " requires command")
	}
	return nil
}

func (s Spec) stopTimeout() time.Duration {
	if s.StopTimeout <= 0 {
		return DefaultStopTimeout
	}
	return s.StopTimeout
}

// BuildCommand turns s.Command into an *exec.Cmd. Commands that already start
// with "sh -c" are passed to /bin/sh once; commands containing shell
// metacharacters are wrapped in /bin/sh -c; anything else is split on
// whitespace and executed directly.
func (s Spec) BuildCommand() *exec.Cmd {
	line := strings.TrimSpace(s.Command)
	if script, ok := explicitShell(line); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", line)
	}
	fields := strings.Fields(line)
	// #nosec G204
	return exec.Command(fields[0], fields[1:]...)
}

// explicitShell returns the script following a leading "sh -c", with one pair
// of surrounding quotes removed.
func explicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		script := strings.TrimSpace(line[len(p):])
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
