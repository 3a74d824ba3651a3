package fleet

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"stratavore/internal/logging"
	"stratavore/internal/types"
)

func (f *Fleet) CreateProject(ctx context.Context, req types.CreateProjectRequest) (*types.Project, error) {
	name := strings.TrimSpace(req.Name)
	path := strings.TrimSpace(req.Path)
	if name == "" {
		return nil, invalidError("project name is required")
	}
	if path == "" {
		return nil, invalidError("project path is required")
	}
	now := f.now()
	project := &types.Project{
		Name:           name,
		Path:           path,
		Status:         types.ProjectStatusActive,
		Description:    strings.TrimSpace(req.Description),
		Tags:           normalizeTags(req.Tags),
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	// Terminal runners and sessions of an earlier project with the same
	// name are counted again once the name is reused.
	applyAggregates(project, f.aggregatesFor(name))
	created, err := f.projects.insert(ctx, name, project)
	if errors.Is(err, errSlotExists) {
		return nil, newError(ErrorDuplicateName, "project %q already exists", name)
	}
	if err != nil {
		return nil, err
	}
	f.logger.Info("project_created", logging.F("project", name), logging.F("path", path))
	return created, nil
}

func (f *Fleet) GetProject(name string) (*types.Project, error) {
	project, ok := f.projects.get(strings.TrimSpace(name))
	if !ok {
		return nil, notFoundError("project %q not found", name)
	}
	return project, nil
}

// ListProjects returns projects sorted by name, optionally filtered by
// status.
func (f *Fleet) ListProjects(status string) []*types.Project {
	status = strings.TrimSpace(status)
	projects := f.projects.snapshot(func(p *types.Project) bool {
		return status == "" || p.Status == status
	})
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects
}

// ArchiveProject blocks future launches against the project. Runners that
// are already live keep running.
func (f *Fleet) ArchiveProject(ctx context.Context, name string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidError("project name is required")
	}
	archived, err := f.projects.mutate(ctx, name, func(cur *types.Project) (*types.Project, mutation, error) {
		if cur.Archived() {
			return cur, keep, nil
		}
		now := f.now()
		cur.Status = types.ProjectStatusArchived
		cur.ArchivedAt = &now
		cur.UpdatedAt = now
		return cur, write, nil
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("project_archived", logging.F("project", name))
	return archived, nil
}

// DeleteProject removes a project that no live runner references. The live
// count is taken from the runner table while the project's lock is held, and
// launches insert runners under that same lock, so the check cannot race.
func (f *Fleet) DeleteProject(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidError("project name is required")
	}
	_, err := f.projects.mutate(ctx, name, func(cur *types.Project) (*types.Project, mutation, error) {
		live := f.liveRunners(name)
		if live > 0 {
			return nil, keep, newError(ErrorProjectInUse, "project %q has %d active runner(s)", name, live)
		}
		return cur, drop, nil
	})
	if err != nil {
		return err
	}
	f.logger.Info("project_deleted", logging.F("project", name))
	return nil
}

func (f *Fleet) projectExists(name string) bool {
	_, ok := f.projects.get(name)
	return ok
}

func (f *Fleet) liveRunners(project string) int {
	live := 0
	f.runners.each(func(r *types.Runner) {
		if r.ProjectName == project && r.Status.Live() {
			live++
		}
	})
	return live
}

// aggregatesFor counts a project's runners and sessions from first
// principles.
func (f *Fleet) aggregatesFor(project string) types.ProjectAggregates {
	var agg types.ProjectAggregates
	f.runners.each(func(r *types.Runner) {
		if r.ProjectName != project {
			return
		}
		agg.TotalRunners++
		if r.Status.Live() {
			agg.ActiveRunners++
		}
	})
	f.sessions.each(func(s *types.Session) {
		if s.ProjectName != project {
			return
		}
		agg.TotalSessions++
		agg.TotalTokens += s.TokensUsed
	})
	return agg
}

func applyAggregates(project *types.Project, agg types.ProjectAggregates) {
	project.TotalRunners = agg.TotalRunners
	project.ActiveRunners = agg.ActiveRunners
	project.TotalSessions = agg.TotalSessions
	project.TotalTokens = agg.TotalTokens
}

// refreshProject recomputes and stores a project's aggregates, optionally
// bumping LastAccessedAt. It reports whether the cached values had drifted.
// Callers must not hold any runner or session lock.
func (f *Fleet) refreshProject(ctx context.Context, name string, touch bool) (bool, error) {
	drifted := false
	_, err := f.projects.mutate(ctx, name, func(cur *types.Project) (*types.Project, mutation, error) {
		agg := f.aggregatesFor(name)
		drifted = cur.Aggregates() != agg
		if !drifted && !touch {
			return cur, keep, nil
		}
		now := f.now()
		applyAggregates(cur, agg)
		if touch && now.After(cur.LastAccessedAt) {
			cur.LastAccessedAt = now
		}
		if now.After(cur.UpdatedAt) {
			cur.UpdatedAt = now
		}
		return cur, write, nil
	})
	if IsKind(err, ErrorNotFound) {
		return false, nil
	}
	return drifted, err
}

// syncProject is refreshProject for mutation paths, where a refresh failure
// is logged rather than failing an operation that already committed.
func (f *Fleet) syncProject(ctx context.Context, name string, touch bool) {
	if _, err := f.refreshProject(ctx, name, touch); err != nil {
		f.logger.Error("project_refresh_failed", logging.F("project", name), logging.Err(err))
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
