// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/dbpilot/internal/domain"
)

// Repository persists connection descriptors and saved dashboards.
// The agent orchestrator never writes here; callers persist what it reports.
type Repository interface {
	// CreateConnection stores a new connection descriptor. ID and CreatedAt are
	// assigned when empty.
	CreateConnection(ctx context.Context, conn *domain.Connection) error

	// GetConnection retrieves a connection by ID. Returns nil, nil when absent.
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)

	// ListConnections returns all connections ordered by creation time.
	ListConnections(ctx context.Context) ([]*domain.Connection, error)

	// DeleteConnection removes a connection. Missing rows are not an error.
	DeleteConnection(ctx context.Context, id string) error

	// SaveDashboard inserts or replaces a dashboard and returns its ID.
	SaveDashboard(ctx context.Context, dashboard *domain.Dashboard) (string, error)

	// GetDashboard retrieves a dashboard by ID. Returns nil, nil when absent.
	GetDashboard(ctx context.Context, id string) (*domain.Dashboard, error)

	// ListDashboards returns dashboards, newest first.
	ListDashboards(ctx context.Context) ([]*domain.Dashboard, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
