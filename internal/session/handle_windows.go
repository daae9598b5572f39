//go:build windows

package session

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

type conHandle struct {
	cpty *conpty.ConPty
}

// startWithPTY backs host attaches; tmux does not run on Windows, so host
// sessions are never created here and this only exists to satisfy the build.
func startWithPTY(cmd *exec.Cmd, cols, rows uint16) (handle, error) {
	return nil, errors.New("pty attach not supported on windows")
}

// spawnDirect starts shell inside a ConPTY in cwd.
func spawnDirect(cwd, shell string, cols, rows uint16) (handle, error) {
	if shell == "" {
		shell = loginShell()
	}
	cpty, err := conpty.Start(shell,
		conpty.ConPtyDimensions(int(cols), int(rows)),
		conpty.ConPtyWorkDir(cwd),
	)
	if err != nil {
		return nil, err
	}
	return &conHandle{cpty: cpty}, nil
}

func loginShell() string {
	if shell := os.Getenv("COMSPEC"); shell != "" {
		return shell
	}
	return "powershell.exe"
}

func (h *conHandle) Read(p []byte) (int, error)  { return h.cpty.Read(p) }
func (h *conHandle) Write(p []byte) (int, error) { return h.cpty.Write(p) }

func (h *conHandle) Resize(cols, rows uint16) error {
	return h.cpty.Resize(int(cols), int(rows))
}

// Closing the console terminates the child; ConPTY has no gentler signal.
func (h *conHandle) Terminate() error { return h.cpty.Close() }
func (h *conHandle) Kill() error      { return h.cpty.Close() }

func (h *conHandle) Wait() error {
	_, err := h.cpty.Wait(context.Background())
	return err
}

func (h *conHandle) Close() error { return h.cpty.Close() }
