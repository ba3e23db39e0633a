package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/dockerlogs/internal/logger"
)

// PTYLauncher runs commands under a pseudo-terminal in their own session, so
// Kill reaches the shell and the docker client it execs.
type PTYLauncher struct {
	Term      string
	Cols      int
	Rows      int
	Dir       string        // working directory; empty means $HOME
	KillGrace time.Duration // SIGTERM to SIGKILL delay
}

func (l *PTYLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, errors.New("no command to run")
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = l.env(c.Env)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = l.Dir
	}
	if cmd.Dir == "" {
		cmd.Dir, _ = os.UserHomeDir()
	}

	size := &pty.Winsize{Cols: uint16(orDefault(l.Cols, 80)), Rows: uint16(orDefault(l.Rows, 30))}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &ptyProcess{
		cmd:   cmd,
		ptmx:  ptmx,
		grace: l.KillGrace,
		done:  make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = 3 * time.Second
	}
	go p.reap()

	logger.Debug("launcher: started", "pid", cmd.Process.Pid, "cmd", c.String())
	return p, nil
}

func (l *PTYLauncher) env(extra []string) []string {
	env := os.Environ()
	term := l.Term
	if term == "" {
		term = "xterm-256color"
	}
	env = append(env, "TERM="+term)
	return append(env, extra...)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type ptyProcess struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	grace time.Duration

	killOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	waitErr   error
}

func (p *ptyProcess) reap() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	// Linux reports EIO on the master once the slave side is gone.
	if errors.Is(err, unix.EIO) || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		pid := p.Pid()
		err = unix.Kill(-pid, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			err = nil
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				logger.Warn("launcher: process ignored SIGTERM, killing", "pid", pid)
				unix.Kill(-pid, unix.SIGKILL)
			}
		}()
	})
	return err
}

func (p *ptyProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}
