package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// MarshalZerologObject lets the stats be logged with Object().
func (s *PoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int32("total_conns", s.TotalConns).
		Int32("idle_conns", s.IdleConns).
		Int32("acquired_conns", s.AcquiredConns).
		Int32("max_conns", s.MaxConns).
		Int64("acquire_count", s.AcquireCount).
		Str("acquire_duration", s.AcquireDuration).
		Bool("healthy", s.Healthy)
}

// Check pings the pool with a short deadline and returns its statistics.
// Healthy is false whenever the ping fails.
func Check(ctx context.Context, pool *pgxpool.Pool) (*PoolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pool.Ping(ctx)
	stats := GetPoolStats(pool)
	if err != nil {
		stats.Healthy = false
		return stats, fmt.Errorf("ping database: %w", err)
	}
	return stats, nil
}
