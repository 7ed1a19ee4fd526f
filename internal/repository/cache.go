package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// PreparedStatementCache holds the statements behind the reservation lookups,
// which run on every subnet and port event. Concurrent first uses of a query
// share one prepare.
type PreparedStatementCache struct {
	db    *sql.DB
	group singleflight.Group

	mu         sync.RWMutex
	statements map[string]*sql.Stmt
}

// NewPreparedStatementCache creates a new prepared statement cache
func NewPreparedStatementCache(db *sql.DB) *PreparedStatementCache {
	return &PreparedStatementCache{
		db:         db,
		statements: make(map[string]*sql.Stmt),
	}
}

func (c *PreparedStatementCache) lookup(query string) (*sql.Stmt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stmt, ok := c.statements[query]
	return stmt, ok
}

// Get returns the statement for query, preparing it on first use
func (c *PreparedStatementCache) Get(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := c.lookup(query); ok {
		return stmt, nil
	}

	v, err, _ := c.group.Do(query, func() (interface{}, error) {
		if stmt, ok := c.lookup(query); ok {
			return stmt, nil
		}
		stmt, err := c.db.PrepareContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare statement: %w", err)
		}
		c.mu.Lock()
		c.statements[query] = stmt
		c.mu.Unlock()
		return stmt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.Stmt), nil
}

// Close closes every cached statement and empties the cache
func (c *PreparedStatementCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, stmt := range c.statements {
		errs = append(errs, stmt.Close())
	}
	c.statements = make(map[string]*sql.Stmt)
	return errors.Join(errs...)
}

// Size returns the number of cached statements
func (c *PreparedStatementCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statements)
}
