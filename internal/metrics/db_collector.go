package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector periodically exports connection pool statistics for
// both the pgx pool (hot-path repositories) and the sqlx handle (audit
// query layer).
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlDB   *sql.DB
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewDBStatsCollector creates a new database stats collector.
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals.
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", "interval", interval)
}

// Stop stops the database stats collector.
func (c *DBStatsCollector) Stop() {
	close(c.stopCh)
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.Set(float64(stat.TotalConns()))
		DBConnectionsInUse.Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.Set(float64(stat.MaxConns()))
	}

	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		DBConnectionsOpen.Add(float64(stats.OpenConnections))
		DBConnectionsInUse.Add(float64(stats.InUse))
		DBConnectionsIdle.Add(float64(stats.Idle))
	}
}

// RecordQueryDuration records the duration of a database query.
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a database query.
// Usage: defer metrics.TimeQuery("append_event")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the latency.
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
