// Package launcher starts the pty-backed process that follows a container's
// logs.
package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

var ErrEmptyContainerID = errors.New("container id is empty")

// DefaultTail is used when the client does not ask for a tail count.
const DefaultTail = "all"

// followScript runs docker with its arguments taken from positional
// parameters, so tail and container id are never parsed by the shell.
const followScript = `exec "$0" container logs --tail="$1" --follow -- "$2"`

// Command is an argv to run under a pty.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Process is a running pty process. Read returns io.EOF once the process has
// exited and its output is drained.
type Process interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Kill asks the process group to terminate. Only the first call signals.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
	// Close releases the pty.
	Close() error
	Pid() int
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ShellResolver locates the host's shell.
type ShellResolver interface {
	Shell() (string, error)
}

// ShellFunc adapts a function to ShellResolver.
type ShellFunc func() (string, error)

func (f ShellFunc) Shell() (string, error) { return f() }

// StaticShell always resolves to path.
func StaticShell(path string) ShellResolver {
	return ShellFunc(func() (string, error) { return path, nil })
}

// HostShell resolves $SHELL, then bash on PATH, then /bin/sh.
var HostShell ShellResolver = ShellFunc(func() (string, error) {
	if sh := os.Getenv("SHELL"); sh != "" {
		if _, err := os.Stat(sh); err == nil {
			return sh, nil
		}
	}
	if p, err := exec.LookPath("bash"); err == nil {
		return p, nil
	}
	return "/bin/sh", nil
})

// LogCommand builds the command that follows containerID's logs from the last
// tail lines. Both values are passed as discrete arguments.
func LogCommand(shell, dockerBin, containerID, tail string) (Command, error) {
	if containerID == "" {
		return Command{}, ErrEmptyContainerID
	}
	if tail == "" {
		tail = DefaultTail
	}
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return Command{
		Name: shell,
		Args: []string{"-c", followScript, dockerBin, tail, containerID},
	}, nil
}
