package session

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sessionTag is set in a tmux session's environment at creation time so
// Attach can tell our sessions apart from a stranger's squatting on the
// same name.
const sessionTag = "MOOR_SESSION"

// TmuxHost drives the tmux CLI. The capability probe runs once and is
// cached for the process lifetime; Reprobe is the single re-detection hook
// exposed to the user.
type TmuxHost struct {
	mu        sync.Mutex
	probed    bool
	available bool
	logger    *slog.Logger
}

func NewTmuxHost(logger *slog.Logger) *TmuxHost {
	return &TmuxHost{logger: logger}
}

func (h *TmuxHost) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.probed {
		h.available = probeTmux()
		h.probed = true
		h.logger.Info("session host probed", "available", h.available)
	}
	return h.available
}

func (h *TmuxHost) Reprobe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = probeTmux()
	h.probed = true
	h.logger.Info("session host re-probed", "available", h.available)
	return h.available
}

// probeTmux never panics and never propagates: a missing binary and a
// garbled version banner both resolve to unavailable.
func probeTmux() bool {
	out, err := exec.Command("tmux", "-V").Output()
	if err != nil {
		return false
	}
	return parseTmuxVersion(string(out))
}

// parseTmuxVersion accepts banners of the form "tmux 3.4".
func parseTmuxVersion(out string) bool {
	fields := strings.Fields(strings.TrimSpace(out))
	return len(fields) >= 2 && fields[0] == "tmux"
}

func (h *TmuxHost) NewSession(name, cwd, shell string, cols, rows uint16) error {
	if shell == "" {
		shell = loginShell()
	}
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-c", cwd,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)),
		shell,
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	if err := exec.Command("tmux", "set-environment", "-t", name, sessionTag, "1").Run(); err != nil {
		return fmt.Errorf("tmux set-environment: %w", err)
	}
	_ = exec.Command("tmux", "set-option", "-t", name, "default-terminal", "xterm-256color").Run()
	return nil
}

func (h *TmuxHost) Attach(name string, cols, rows uint16) (handle, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	hd, err := startWithPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("tmux attach-session: %w", err)
	}
	return hd, nil
}

func (h *TmuxHost) Detach(name string) error {
	return exec.Command("tmux", "detach-client", "-s", name).Run()
}

func (h *TmuxHost) Kill(name string) error {
	out, err := exec.Command("tmux", "kill-session", "-t", name).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "can't find session") {
			return nil
		}
		return fmt.Errorf("tmux kill-session: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *TmuxHost) Has(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

func (h *TmuxHost) Tagged(name string) bool {
	out, err := exec.Command("tmux", "show-environment", "-t", name, sessionTag).Output()
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(out)), sessionTag+"=")
}

func (h *TmuxHost) List() ([]HostSession, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}\t#{session_created}").Output()
	if err != nil {
		// tmux exits 1 when no server is running, which just means no
		// sessions exist yet
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	return parseSessionList(out)
}

// parseSessionList parses "name<TAB>unix-epoch" lines, keeping only
// sessions under our naming prefix. A malformed line fails the whole
// listing: guessing at corrupt output risks touching sessions we do not
// own.
func parseSessionList(out []byte) ([]HostSession, error) {
	var sessions []HostSession
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, created, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%w: malformed list-sessions line %q", ErrHostUnavailable, line)
		}
		if _, ours := TerminalID(name); !ours {
			continue
		}
		epoch, err := strconv.ParseInt(created, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad session_created in %q", ErrHostUnavailable, line)
		}
		sessions = append(sessions, HostSession{
			Name:      name,
			CreatedAt: time.Unix(epoch, 0).UTC(),
		})
	}
	return sessions, nil
}

func (h *TmuxHost) Capture(name string) []byte {
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-e").Output()
	if err != nil {
		return nil
	}
	return out
}

func (h *TmuxHost) ResizeWindow(name string, cols, rows uint16) error {
	return exec.Command("tmux", "resize-window", "-t", name,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))).Run()
}
