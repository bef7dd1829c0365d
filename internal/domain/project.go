package domain

import "time"

// Status tracks where a project is in its lifecycle. It is the single source
// of truth for which operations are currently legal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// ProjectType classifies an uploaded project. Set once by detection and never
// changed afterwards.
type ProjectType string

const (
	TypeStatic  ProjectType = "static"
	TypeNode    ProjectType = "node"
	TypeReact   ProjectType = "react"
	TypeVue     ProjectType = "vue"
	TypeNext    ProjectType = "next"
	TypeUnknown ProjectType = "unknown"
)

// Buildable reports whether the type requires an install+build pipeline
// before it can be served.
func (t ProjectType) Buildable() bool {
	switch t {
	case TypeReact, TypeVue, TypeNext:
		return true
	default:
		return false
	}
}

// Project is one uploaded, previewable unit of client code managed by the
// sandbox.
type Project struct {
	ID     string
	Name   string
	Type   ProjectType
	Status Status

	// SourcePath holds the extracted, unbuilt archive contents. Exclusively
	// owned by this project.
	SourcePath string
	// BuildPath holds the built artifact for buildable types; empty until a
	// build succeeds.
	BuildPath string

	// Port is held if and only if the project is running.
	Port int
	URL  string

	// BuildError records why the last build failed, if it did.
	BuildError string
	// BuildLogTail retains the last lines of build output for diagnostics.
	BuildLogTail []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the project's lifetime has elapsed at the given
// instant. Activity never extends ExpiresAt.
func (p Project) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Summary is the externally visible projection of a Project. Filesystem paths
// and process handles are never exposed.
type Summary struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      ProjectType `json:"type"`
	Status    Status      `json:"status"`
	URL       string      `json:"url,omitempty"`
	IsRunning bool        `json:"isRunning"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Summarize derives the external projection from the project record.
func (p Project) Summarize() Summary {
	return Summary{
		ID:        p.ID,
		Name:      p.Name,
		Type:      p.Type,
		Status:    p.Status,
		URL:       p.URL,
		IsRunning: p.Status == StatusRunning,
		Error:     p.BuildError,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
	}
}
