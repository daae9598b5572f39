//go:build !windows

package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty/v2"
)

type ptyHandle struct {
	f   *os.File
	cmd *exec.Cmd
}

// startWithPTY launches cmd under a pseudo-terminal sized cols×rows.
func startWithPTY(cmd *exec.Cmd, cols, rows uint16) (handle, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(f, &pty.Winsize{Cols: cols, Rows: rows})
	return &ptyHandle{f: f, cmd: cmd}, nil
}

// spawnDirect starts shell as a plain child process in cwd.
func spawnDirect(cwd, shell string, cols, rows uint16) (handle, error) {
	if shell == "" {
		shell = loginShell()
	}
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return startWithPTY(cmd, cols, rows)
}

// loginShell returns the user's shell from $SHELL, falling back to /bin/sh.
func loginShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func (h *ptyHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *ptyHandle) Write(p []byte) (int, error) { return h.f.Write(p) }

func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *ptyHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *ptyHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *ptyHandle) Wait() error { return h.cmd.Wait() }

// Close closes the pty master. The kernel delivers SIGHUP to the foreground
// process group, which detaches a host client cleanly.
func (h *ptyHandle) Close() error { return h.f.Close() }
