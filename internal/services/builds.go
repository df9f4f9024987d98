package services

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"voice-orchestrator/backend/internal/build"
	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/guard"
	"voice-orchestrator/backend/pkg/models"
)

// StartBuild validates req and starts a new project in the background.
func (o *Orchestrator) StartBuild(ctx context.Context, req models.BuildRequest) (*models.BuildProject, error) {
	req, err := build.NormalizeRequest(req, o.defaultTarget)
	if err != nil {
		return nil, err
	}
	return o.launch(build.NewProject(req, o.clock.Now()), "")
}

// RetryBuild starts a new project from a finished one. The previous
// record is left untouched. While the retry runs, another retry of the
// same project is rejected with errs.ErrConflict.
func (o *Orchestrator) RetryBuild(ctx context.Context, id, note string) (*models.BuildProject, error) {
	prev, err := o.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, errs.Validation("build %s is still %s", id, prev.Status)
	}

	req, err := build.NormalizeRequest(build.RetryRequest(prev, note), o.defaultTarget)
	if err != nil {
		return nil, err
	}
	project := build.NewProject(req, o.clock.Now())
	project.RetryOf = prev.ID
	return o.launch(project, guard.Key("build", prev.ID, "retry"))
}

// launch runs project on a background goroutine, holding key in the
// guard when key is set. The project is registered with the pipeline
// before launch returns, so it can be cancelled right away.
func (o *Orchestrator) launch(project *models.BuildProject, key string) (*models.BuildProject, error) {
	if err := o.pipeline.Prepare(project); err != nil {
		return nil, err
	}
	o.projects.put(project.ID, project.Clone(), false)

	done := make(chan struct{})
	o.mu.Lock()
	o.builds[project.ID] = done
	o.mu.Unlock()
	finish := func() {
		o.mu.Lock()
		delete(o.builds, project.ID)
		o.mu.Unlock()
		close(done)
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.wg.Add(1)
	drive := func(ctx context.Context) {
		defer o.wg.Done()
		defer finish()
		defer cancel()

		final, err := o.pipeline.Run(ctx, project)
		switch {
		case err == nil:
			o.logger.Info("build complete", "project_id", final.ID, "local_port", final.LocalPort, "deploy_url", final.DeployURL)
		case errors.Is(err, errs.ErrCancelled):
			o.logger.Info("build cancelled", "project_id", final.ID)
		default:
			o.logger.Warn("build failed", "project_id", final.ID, "error", err.Error())
		}
	}

	if key == "" {
		go drive(runCtx)
		return project.Clone(), nil
	}
	if err := o.guard.Go(runCtx, key, drive); err != nil {
		o.wg.Done()
		finish()
		cancel()
		o.pipeline.Discard(project.ID)
		o.projects.remove(project.ID)
		return nil, err
	}
	return project.Clone(), nil
}

// GetBuild returns the live state of a running project, else the cached
// or stored record.
func (o *Orchestrator) GetBuild(ctx context.Context, id string) (*models.BuildProject, error) {
	if p, ok := o.pipeline.Snapshot(id); ok {
		return p, nil
	}
	if p, ok := o.projects.get(id); ok {
		return p, nil
	}
	return o.store.GetProject(ctx, id)
}

// ListBuilds returns every project, newest first. Cached records replace
// their stored versions.
func (o *Orchestrator) ListBuilds(ctx context.Context) ([]*models.BuildProject, error) {
	stored, err := o.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.BuildProject, len(stored))
	for _, p := range stored {
		byID[p.ID] = p
	}
	for _, p := range o.projects.list() {
		byID[p.ID] = p
	}
	for id := range byID {
		if live, ok := o.pipeline.Snapshot(id); ok {
			byID[id] = live
		}
	}

	out := make([]*models.BuildProject, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *models.BuildProject) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CancelBuild cancels a running project. Any process it owns is killed
// before CancelBuild returns.
func (o *Orchestrator) CancelBuild(ctx context.Context, id string) (*models.BuildProject, error) {
	if o.pipeline.Cancel(ctx, id) {
		return o.GetBuild(ctx, id)
	}
	p, err := o.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, errs.Validation("build %s is not running (status %s)", id, p.Status)
}

// DeleteBuild cancels the project if needed, kills its process, removes
// its workspace and deletes the record.
func (o *Orchestrator) DeleteBuild(ctx context.Context, id string) error {
	if _, err := o.GetBuild(ctx, id); err != nil {
		return err
	}
	o.pipeline.Cancel(ctx, id)
	if err := o.waitBuild(ctx, id); err != nil {
		return err
	}
	if err := o.resources.RemoveWorkspace(id); err != nil {
		return err
	}
	o.projects.remove(id)
	if err := o.store.DeleteProject(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	o.logger.Info("build deleted", "project_id", id)
	return nil
}

// waitBuild blocks until the goroutine driving project id has returned.
func (o *Orchestrator) waitBuild(ctx context.Context, id string) error {
	o.mu.Lock()
	done, ok := o.builds[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
