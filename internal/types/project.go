package types

import (
	"slices"
	"time"
)

const (
	ProjectStatusActive   = "active"
	ProjectStatusArchived = "archived"
)

type Project struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Status         string     `json:"status"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags"`
	TotalRunners   int        `json:"totalRunners"`
	ActiveRunners  int        `json:"activeRunners"`
	TotalSessions  int        `json:"totalSessions"`
	TotalTokens    int64      `json:"totalTokens"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (p *Project) Archived() bool {
	return p.Status == ProjectStatusArchived
}

func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.Tags = slices.Clone(p.Tags)
	out.ArchivedAt = cloneTime(p.ArchivedAt)
	return &out
}

// ProjectAggregates are the derived counters cached on a Project.
type ProjectAggregates struct {
	TotalRunners  int
	ActiveRunners int
	TotalSessions int
	TotalTokens   int64
}

func (p *Project) Aggregates() ProjectAggregates {
	return ProjectAggregates{
		TotalRunners:  p.TotalRunners,
		ActiveRunners: p.ActiveRunners,
		TotalSessions: p.TotalSessions,
		TotalTokens:   p.TotalTokens,
	}
}

type CreateProjectRequest struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type ProjectNameRequest struct {
	Name string `json:"name"`
}
