package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"convindex/cmd/internal/indexer"
)

// ErrProjectLimit is returned when a new project would exceed the hub's cap.
var ErrProjectLimit = errors.New("project limit reached")

// Hub owns one Project per project coordinate and provides stable handles.
// Engines live for the lifetime of the process; nothing is persisted.
//
// Every project carries its own engine and labeled gauge series, so the number of
// projects is capped; existing projects stay reachable once the cap is hit.
type Hub struct {
	log         *slog.Logger
	metrics     *indexer.Metrics
	maxProjects int

	mu       sync.RWMutex
	projects map[string]*Project
}

// NewHub constructs a Hub. metrics may be nil. A non-positive maxProjects uses defaultMaxProjects.
func NewHub(log *slog.Logger, metrics *indexer.Metrics, maxProjects int) *Hub {
	if maxProjects <= 0 {
		maxProjects = defaultMaxProjects
	}
	return &Hub{
		log:         log,
		metrics:     metrics,
		maxProjects: maxProjects,
		projects:    make(map[string]*Project),
	}
}

// GetOrCreateProject returns the project for coordinate, creating its engine on first use.
func (h *Hub) GetOrCreateProject(coordinate string) (*Project, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.projects[coordinate]; ok {
		return p, nil
	}
	if len(h.projects) >= h.maxProjects {
		h.log.Warn("hub.project.limit", "project", coordinate, "max_projects", h.maxProjects)
		return nil, ErrProjectLimit
	}

	eng := indexer.NewEngine(coordinate,
		indexer.WithLogger(h.log),
		indexer.WithMetrics(h.metrics),
	)
	p := NewProject(h.log, eng)
	h.projects[coordinate] = p
	h.log.Info("hub.project.create", "project", coordinate)
	return p, nil
}

// Project returns the project for coordinate if it exists.
func (h *Hub) Project(coordinate string) (*Project, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.projects[coordinate]
	return p, ok
}

// Len reports how many projects exist.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projects)
}
