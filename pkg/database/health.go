package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports pool reachability and utilization.
type HealthStatus struct {
	Healthy         bool
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
	MaxOpenConns    int
	Error           string
}

// Health pings db and reports its pool stats.
func Health(ctx context.Context, db *sql.DB) HealthStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	stats := db.Stats()
	status := HealthStatus{
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
		MaxOpenConns:    stats.MaxOpenConnections,
	}
	if err := db.PingContext(pingCtx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
