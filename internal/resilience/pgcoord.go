package resilience

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// PGCoordinator broadcasts rate-limit permit-refresh events across ELSPETH
// processes that share one Postgres-backed audit database, using
// LISTEN/NOTIFY. This is the one piece of cross-process wiring the engine
// carries: it coordinates rate-limit bookkeeping visibility, not run
// execution, so it does not conflict with the "no distributed execution"
// non-goal. Ported from the teacher's pkg/pgnotify.Bus, narrowed to the
// single channel-per-service pub/sub shape this registry needs.
type PGCoordinator struct {
	db       *sql.DB
	listener *pq.Listener

	mu       sync.RWMutex
	handlers map[string][]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPGCoordinator builds a coordinator using an existing *sql.DB and the
// DSN that database connection was opened from (pq.Listener manages its
// own connection independent of db).
func NewPGCoordinator(db *sql.DB, dsn string) *PGCoordinator {
	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("resilience: pgcoord listener error: %v\n", err)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	ctx, cancel := context.WithCancel(context.Background())

	c := &PGCoordinator{
		db:       db,
		listener: listener,
		handlers: make(map[string][]func()),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.listen()
	return c
}

func (c *PGCoordinator) channelFor(service string) string {
	return "elspeth_ratelimit_" + service
}

// Subscribe registers handler to fire whenever another process publishes a
// permit-refresh notification for service.
func (c *PGCoordinator) Subscribe(service string, handler func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := c.channelFor(service)
	if len(c.handlers[channel]) == 0 {
		if err := c.listener.Listen(channel); err != nil {
			return fmt.Errorf("resilience: pgcoord listen %s: %w", channel, err)
		}
	}
	c.handlers[channel] = append(c.handlers[channel], handler)
	return nil
}

// Publish broadcasts a permit-refresh notification for service to every
// process listening via Subscribe.
func (c *PGCoordinator) Publish(ctx context.Context, service string) error {
	_, err := c.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", c.channelFor(service), "refresh")
	if err != nil {
		return fmt.Errorf("resilience: pgcoord publish: %w", err)
	}
	return nil
}

// Close shuts down the coordinator's listener goroutine.
func (c *PGCoordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.listener.Close()
}

func (c *PGCoordinator) listen() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case notification := <-c.listener.Notify:
			if notification == nil {
				continue
			}
			c.mu.RLock()
			handlers := append([]func(){}, c.handlers[notification.Channel]...)
			c.mu.RUnlock()
			for _, h := range handlers {
				h()
			}
		case <-time.After(90 * time.Second):
			_ = c.listener.Ping()
		}
	}
}
