package state

import (
	"context"
	"fmt"
	"path/filepath"

	cnst "github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/kairos-io/firmware-updater/pkg/bootenv"
	"github.com/kairos-io/firmware-updater/pkg/schema"
	"github.com/kairos-io/firmware-updater/pkg/update"
	"github.com/spectrocloud-labs/herd"
)

// Machine serializes the administrative commands. It is Idle when task is nil and
// Updating otherwise. Handle must be called from a single goroutine, the only datum
// shared with the update worker is progress.
type Machine struct {
	Manager  *bank.Manager
	Env      bootenv.Banks
	Pipeline *update.Pipeline
	FileList string

	progress update.Progress
	banks    *bank.DetectedBankInfo
	task     *task
}

// New builds the machine and takes the first snapshot of the banks.
func New(manager *bank.Manager, env bootenv.Accessor, pipeline *update.Pipeline, fileList string) *Machine {
	m := &Machine{
		Manager:  manager,
		Env:      bootenv.Banks{Accessor: env},
		Pipeline: pipeline,
		FileList: fileList,
	}
	m.refresh()
	return m
}

// Updating reports whether an update task is tracked, finished or not.
func (m *Machine) Updating() bool {
	return m.task != nil
}

// Wait blocks until the tracked update task finishes. It does not harvest it.
func (m *Machine) Wait() {
	if m.task != nil {
		m.task.wait()
	}
}

// Handle runs one command and returns its reply. It never panics on command failures.
func (m *Machine) Handle(cmd schema.Command) schema.Response {
	l := internalUtils.Log.With().Str("command", cmd.Name()).Logger()
	l.Debug().Msg("Handling command")

	var resp schema.Response
	switch c := cmd.(type) {
	case schema.GetStatus:
		resp = m.getStatus()
	case schema.Update:
		resp = m.startUpdate(c)
	case schema.FormatOtherBank:
		resp = m.formatOtherBank()
	case schema.CopyConfig:
		resp = m.copyConfig()
	case schema.SetDesiredBank:
		resp = m.setDesiredBank(c.Bank)
	default:
		resp = schema.Error(fmt.Errorf("%w: unsupported command %q", cnst.ErrProtocol, cmd.Name()))
	}

	if resp.Status == schema.StatusError {
		l.Warn().Str("detail", resp.Detail).Msg("Command failed")
	}
	return resp
}

func (m *Machine) getStatus() schema.Response {
	var detail string
	if m.task != nil && m.task.finished() {
		detail = m.harvest()
	}
	resp := schema.StatusReply(m.banks, m.progress.Get())
	resp.Detail = detail
	return resp
}

// harvest folds the result of the finished task into the cached state and releases the
// mount it held. Returns the failure of the task, empty on success.
func (m *Machine) harvest() (failure string) {
	t := m.task
	m.task = nil
	defer m.progress.Clear()

	if t.err != nil {
		failure = fmt.Sprintf("update of bank %s failed: %s", t.guard.Bank(), t.err)
		internalUtils.Log.Error().Err(t.err).Str("bank", t.guard.Bank().String()).Msg("Update failed")
	} else {
		internalUtils.Log.Info().Str("bank", t.guard.Bank().String()).Msg("Update done")
		m.banks = m.Manager.SnapshotFrom(t.guard, m.Env)
	}
	if err := t.guard.Release(); err != nil {
		internalUtils.Log.Err(err).Msg("Releasing the updated bank")
	}
	return failure
}

func (m *Machine) startUpdate(c schema.Update) schema.Response {
	if m.task != nil {
		return schema.Error(fmt.Errorf("%w: an update is already running", cnst.ErrStateConflict))
	}

	var creds *update.Credentials
	switch {
	case c.Username == nil && c.Password == nil:
	case c.Username != nil && c.Password != nil:
		creds = &update.Credentials{Username: *c.Username, Password: *c.Password}
	default:
		return schema.Error(fmt.Errorf("%w: specify both username and password, or neither", cnst.ErrStateConflict))
	}

	internalUtils.Log.Info().Str("url", c.FromURL).Msg("Starting update")
	if _, err := m.Manager.FormatOtherBank(); err != nil {
		return schema.Error(err)
	}
	guard, err := m.Manager.MountOtherBank()
	if err != nil {
		return schema.Error(err)
	}

	job := updateJob{guard: guard, url: c.FromURL, creds: creds}
	m.task = startTask(guard, func() error {
		g := herd.DAG()
		if err := m.registerUpdate(g, job); err != nil {
			return err
		}
		err := runGraph(context.Background(), g)
		internalUtils.Log.Debug().Msg(WriteDAG(g))
		return err
	})
	return schema.Ok("update of bank %s from %s started", guard.Bank(), c.FromURL)
}

func (m *Machine) formatOtherBank() schema.Response {
	if m.task != nil {
		return schema.Error(fmt.Errorf("%w: the other bank is being updated", cnst.ErrStateConflict))
	}
	other, err := m.Manager.FormatOtherBank()
	if err != nil {
		return schema.Error(err)
	}
	m.refresh()
	return schema.Ok("bank %s formatted", other)
}

func (m *Machine) copyConfig() schema.Response {
	if m.task != nil {
		return schema.Error(fmt.Errorf("%w: the other bank is being updated", cnst.ErrStateConflict))
	}
	var other bank.Bank
	err := m.Manager.WithOtherBank(func(g *bank.MountGuard) error {
		other = g.Bank()
		if err := m.Manager.CopyConfig(g.Path(), m.FileList); err != nil {
			return err
		}
		return m.Manager.RenderFstab(g.Bank(), filepath.Join(g.Path(), cnst.BankFstab))
	})
	if err != nil {
		return schema.Error(err)
	}
	return schema.Ok("config copied to bank %s", other)
}

func (m *Machine) setDesiredBank(b bank.Bank) schema.Response {
	if err := m.Env.SetDesiredBank(b); err != nil {
		return schema.Error(err)
	}
	if m.task != nil {
		// The worker holds the other bank, only the boot-loader part can be refreshed
		if m.banks != nil {
			m.banks.DesiredBank = bank.ReadDesired(m.Env)
		}
	} else {
		m.refresh()
	}
	return schema.Ok("desired bank set to %s", b)
}

// refresh replaces the cached snapshot, keeping the old one when it cannot be taken.
func (m *Machine) refresh() {
	info, err := m.Manager.Snapshot(m.Env)
	if err != nil {
		internalUtils.Log.Err(err).Msg("Detecting banks")
		if info == nil {
			return
		}
	}
	m.banks = info
}
