package session

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCols = 120
	defaultRows = 36

	// killGrace is how long a direct process gets after SIGTERM before it
	// is killed outright.
	killGrace = 5 * time.Second
)

// Driver translates lifecycle intents into OS-level actions against either
// the session host or a direct child process. Callers must hold the
// registry's per-id lock for the record being transitioned.
type Driver struct {
	host   Host
	logger *slog.Logger

	// lock acquires the per-id lifecycle slot; the reap path settles state
	// through it so a process exit cannot race a caller's transition.
	lock func(id uuid.UUID) func()

	// onTransition observes every state change (manager event wiring).
	onTransition func(rec *Record, st State)
	// onExit runs after a record's process has been reaped and its state
	// settled.
	onExit func(rec *Record)

	// spawnDirectFn is swappable in tests.
	spawnDirectFn func(cwd, shell string, cols, rows uint16) (handle, error)
}

func NewDriver(host Host, logger *slog.Logger) *Driver {
	return &Driver{
		host:          host,
		logger:        logger,
		lock:          func(uuid.UUID) func() { return func() {} },
		spawnDirectFn: spawnDirect,
	}
}

func (d *Driver) transition(rec *Record, st State) {
	rec.setState(st)
	if d.onTransition != nil {
		d.onTransition(rec, st)
	}
}

// Create takes a record to Attached, through the host when persist is set.
// A session already living under the record's name wins over creating a
// duplicate: attach always beats create.
func (d *Driver) Create(rec *Record, persist bool) error {
	if persist {
		if !d.host.Available() {
			return ErrHostUnavailable
		}
		if d.host.Has(rec.Name) && d.host.Tagged(rec.Name) {
			return d.Attach(rec)
		}

		d.transition(rec, StateStarting)
		if err := d.host.NewSession(rec.Name, rec.Cwd, rec.Shell, defaultCols, defaultRows); err != nil {
			if d.host.Has(rec.Name) && d.host.Tagged(rec.Name) {
				// lost a creation race; the session exists now, use it
				return d.Attach(rec)
			}
			d.transition(rec, StateDead)
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		rec.setBacking(BackingHost, true)
		if err := d.openChannel(rec); err != nil {
			return err
		}
		d.logger.Info("session created", "id", rec.ID, "backing", BackingHost, "cwd", rec.Cwd)
		return nil
	}

	d.transition(rec, StateStarting)
	h, err := d.spawnDirectFn(rec.Cwd, rec.Shell, defaultCols, defaultRows)
	if err != nil {
		d.transition(rec, StateDead)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	rec.setBacking(BackingDirect, false)
	done := rec.adopt(h)
	d.transition(rec, StateAttached)
	go d.readLoop(rec, h)
	go d.waitLoop(rec, h, done)
	d.logger.Info("session created", "id", rec.ID, "backing", BackingDirect, "cwd", rec.Cwd)
	return nil
}

// Attach reconnects I/O to an existing host session. A session that
// vanished, or that sits under our name without our ownership tag, resolves
// to ErrSessionNotFound; the caller treats that exactly like a fresh Create.
func (d *Driver) Attach(rec *Record) error {
	if !d.host.Available() {
		return ErrHostUnavailable
	}
	if !d.host.Has(rec.Name) {
		return ErrSessionNotFound
	}
	if !d.host.Tagged(rec.Name) {
		return fmt.Errorf("%w: %s exists but was not created by us", ErrSessionNotFound, rec.Name)
	}
	rec.setBacking(BackingHost, true)
	d.transition(rec, StateStarting)
	if err := d.openChannel(rec); err != nil {
		return err
	}
	d.logger.Info("session attached", "id", rec.ID)
	return nil
}

// openChannel connects a pty to the host session and starts the I/O loops.
func (d *Driver) openChannel(rec *Record) error {
	cols, rows := rec.dims()
	h, err := d.host.Attach(rec.Name, cols, rows)
	if err != nil {
		// the host still runs the session; only our channel failed
		d.transition(rec, StateDetached)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	rec.backfill(d.host.Capture(rec.Name))
	done := rec.adopt(h)
	d.transition(rec, StateAttached)
	go d.readLoop(rec, h)
	go d.waitLoop(rec, h, done)
	return nil
}

// Detach closes our I/O channel and leaves a host-backed process running.
func (d *Driver) Detach(rec *Record) error {
	if rec.Backing() == BackingDirect {
		return ErrNotDetachable
	}
	if rec.State() != StateAttached {
		return nil
	}
	// settle state first so the reaper doesn't misread the client exit
	d.transition(rec, StateDetached)
	if err := d.host.Detach(rec.Name); err != nil {
		d.logger.Debug("host detach failed, closing channel directly", "name", rec.Name, "err", err)
	}
	rec.closeProc()
	d.logger.Info("session detached", "id", rec.ID)
	return nil
}

// Kill terminates the underlying process. Idempotent: killing a record that
// is already Dead is a no-op.
func (d *Driver) Kill(rec *Record) error {
	if rec.State() == StateDead {
		return nil
	}
	switch rec.Backing() {
	case BackingHost:
		if err := d.host.Kill(rec.Name); err != nil {
			return err
		}
		d.transition(rec, StateDead)
		// the attach client, if any, dies with the session; the reaper
		// collects it
		rec.closeProc()
	default:
		d.transition(rec, StateDead)
		rec.terminate(killGrace)
	}
	return nil
}

// Resize forwards new dimensions to the live handle. It never surfaces an
// error: a resize against a non-attached session is logged and dropped.
func (d *Driver) Resize(rec *Record, cols, rows uint16) {
	if rec.State() != StateAttached {
		d.logger.Debug("resize ignored", "id", rec.ID, "state", rec.State())
		return
	}
	if !rec.needResize(cols, rows) {
		return
	}
	if err := rec.resizeProc(cols, rows); err != nil {
		d.logger.Debug("resize failed", "id", rec.ID, "err", err)
		return
	}
	if rec.Backing() == BackingHost {
		if err := d.host.ResizeWindow(rec.Name, cols, rows); err != nil {
			d.logger.Debug("host resize failed, will retry on next change", "name", rec.Name, "err", err)
			return
		}
	}
	rec.setDims(cols, rows)
}

func (d *Driver) readLoop(rec *Record, h handle) {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			rec.emit(data)
		}
		if err != nil {
			if err != io.EOF {
				d.logger.Debug("session read error", "id", rec.ID, "err", err)
			}
			return
		}
	}
}

// waitLoop reaps the process behind one attachment and settles the record's
// state once it exits. done is the channel opened when this handle was
// adopted; closing it releases anyone waiting on this attachment.
func (d *Driver) waitLoop(rec *Record, h handle, done chan struct{}) {
	waitErr := h.Wait()
	_ = h.Close()
	rec.release(h)
	close(done)

	unlock := d.lock(rec.ID)
	switch {
	case rec.hasProc():
		// a newer attachment superseded this one; its own reaper settles it
	case rec.State() == StateDead || rec.State() == StateDetached:
		// an explicit kill or detach already settled this record
	case rec.Backing() == BackingHost && d.host.Has(rec.Name):
		// only the attach client went away; the host still runs the session
		d.transition(rec, StateDetached)
		d.logger.Info("session detached by host", "id", rec.ID)
	default:
		d.transition(rec, StateDead)
		d.logger.Info("session exited", "id", rec.ID, "err", waitErr)
	}
	unlock()

	if d.onExit != nil {
		d.onExit(rec)
	}
}
