package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	cnst "github.com/kairos-io/firmware-updater/internal/constants"
	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/kairos-io/firmware-updater/pkg/update"
	"github.com/spectrocloud-labs/herd"
)

// updateJob is what the worker needs to fill the mounted bank.
type updateJob struct {
	guard *bank.MountGuard
	url   string
	creds *update.Credentials
}

// registerUpdate adds the worker steps to g: extract, mark the extraction, copy the config
// and write the fstab of the new bank. Each step needs the previous one to succeed.
func (m *Machine) registerUpdate(g *herd.Graph, job updateJob) error {
	var err error

	if err = m.extractDagStep(g, job); err != nil {
		return err
	}
	if err = m.markExtractedDagStep(g, job, herd.WithDeps(cnst.OpExtract)); err != nil {
		return err
	}
	if err = m.copyConfigDagStep(g, job, herd.WithDeps(cnst.OpMarkExtract)); err != nil {
		return err
	}
	return m.writeFstabDagStep(g, job, herd.WithDeps(cnst.OpCopyConfig))
}

// extractDagStep streams the firmware archive into the mounted bank.
func (m *Machine) extractDagStep(g *herd.Graph, job updateJob, opts ...herd.OpOption) error {
	return g.Add(cnst.OpExtract, append(opts, herd.WithCallback(func(ctx context.Context) error {
		_, err := m.Pipeline.Extract(ctx, job.url, job.creds, job.guard.Path(), m.progress.Set)
		return err
	}))...)
}

// markExtractedDagStep writes the extraction timestamp into the new bank.
func (m *Machine) markExtractedDagStep(g *herd.Graph, job updateJob, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMarkExtract, append(opts, herd.WithCallback(func(_ context.Context) error {
		_, err := m.Pipeline.MarkExtracted(job.guard.Path())
		return err
	}))...)
}

// copyConfigDagStep copies the whitelisted config files from the running bank.
func (m *Machine) copyConfigDagStep(g *herd.Graph, job updateJob, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCopyConfig, append(opts, herd.WithCallback(func(_ context.Context) error {
		return m.Manager.CopyConfig(job.guard.Path(), m.FileList)
	}))...)
}

// writeFstabDagStep renders the fstab the new bank boots with.
func (m *Machine) writeFstabDagStep(g *herd.Graph, job updateJob, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteFstab, append(opts, herd.WithCallback(func(_ context.Context) error {
		return m.Manager.RenderFstab(job.guard.Bank(), filepath.Join(job.guard.Path(), cnst.BankFstab))
	}))...)
}

// runGraph runs g and returns the errors of the steps that ran. Steps skipped because a
// dependency failed are left out so the result names the root cause.
func runGraph(ctx context.Context, g *herd.Graph) error {
	runErr := g.Run(ctx)

	var errs []error
	for _, layer := range g.Analyze() {
		for _, op := range layer {
			if !op.Executed || op.Error == nil {
				continue
			}
			var merr *multierror.Error
			if errors.As(op.Error, &merr) {
				for _, e := range merr.Errors {
					errs = append(errs, fmt.Errorf("%s: %w", op.Name, e))
				}
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", op.Name, op.Error))
		}
	}
	switch len(errs) {
	case 0:
		return runErr
	case 1:
		return errs[0]
	}
	result := &multierror.Error{Errors: errs, ErrorFormat: func(es []error) string {
		msgs := make([]string, 0, len(es))
		for _, e := range es {
			msgs = append(msgs, e.Error())
		}
		return strings.Join(msgs, "; ")
	}}
	return result
}

// WriteDAG writes the dag.
func WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (run: %t)\n", op.Name, op.Error.Error(), op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (run: %t)\n", op.Name, op.Executed)
			}
		}
	}
	return
}
