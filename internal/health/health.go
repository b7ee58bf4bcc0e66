// Package health provides readiness checks for external dependencies.
package health

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Status values reported per check.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Checker is implemented by dependencies that can report readiness.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DBChecker checks SQL database connectivity.
type DBChecker struct {
	db Pinger
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db Pinger) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Result is the outcome of one named check.
type Result struct {
	Name   string
	Status string
	Err    error
}

// RunAll runs every checker concurrently and returns results keyed by
// name. healthy is false if any check failed. nil checkers are skipped.
func RunAll(ctx context.Context, checkers map[string]Checker) (results map[string]Result, healthy bool) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	results = make(map[string]Result, len(checkers))
	healthy = true

	for name, c := range checkers {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()
			res := Result{Name: name, Status: StatusOK}
			if err := c.HealthCheck(ctx); err != nil {
				res.Status = StatusError
				res.Err = err
			}
			mu.Lock()
			results[name] = res
			if res.Err != nil {
				healthy = false
			}
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return results, healthy
}
