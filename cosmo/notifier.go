package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelStop = "cosmo_stop"

	// instanceLockKey is the postgres advisory lock held by the running
	// instance
	instanceLockKey int64 = 0x636f736d6f

	instanceListenRetryDelay = 5 * time.Second
)

// instanceGuard keeps a single bot instance running against a database,
// as two schedulers sharing a job store would fire jobs twice.
type instanceGuard interface {
	// ID identifies this instance, to filter out its own notifications
	ID() string

	// Acquire stops any other running instance and blocks until it has
	// let go of the database.
	Acquire(ctx context.Context) error

	// Listen blocks until ctx is done, calling stop if a newer instance
	// asks this one to shut down.
	Listen(ctx context.Context, stop func()) error

	// Release lets a waiting instance take over
	Release()
}

func newInstanceGuard(b *Bot) (instanceGuard, error) {
	id := uuid.NewString()
	logger := b.logger.With(loggerNameKey, "instance_guard", "instance_id", id)
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteGuard{id: id, logger: logger}, nil
	case dbTypePostgres:
		return &postgresGuard{id: id, dsn: b.config.Database, logger: logger}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteGuard does nothing, sqlite databases are local to one process
type sqliteGuard struct {
	id     string
	logger *slog.Logger
}

func (s *sqliteGuard) ID() string {
	return s.id
}

func (s *sqliteGuard) Acquire(ctx context.Context) error {
	s.logger.DebugContext(ctx, "no instance lock for sqlite")
	return nil
}

func (s *sqliteGuard) Listen(ctx context.Context, _ func()) error {
	s.logger.DebugContext(ctx, "listener called", "channel", postgresNotifyChannelStop)
	return nil
}

func (*sqliteGuard) Release() {}

// postgresGuard holds a session advisory lock on a dedicated connection,
// which also LISTENs for stop signals from newer instances.
type postgresGuard struct {
	id     string
	dsn    string
	logger *slog.Logger

	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func (p *postgresGuard) ID() string {
	return p.id
}

func (p *postgresGuard) Acquire(ctx context.Context) (err error) {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	config.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Release()
			pool.Close()
		}
	}()

	var locked bool
	if err = conn.QueryRow(
		ctx,
		"SELECT pg_try_advisory_lock($1)",
		instanceLockKey,
	).Scan(&locked); err != nil {
		return fmt.Errorf("error taking instance lock: %w", err)
	}

	if !locked {
		p.logger.WarnContext(ctx, "another instance is running, sending stop signal")
		if _, err = conn.Exec(
			ctx,
			"SELECT pg_notify($1, $2)",
			postgresNotifyChannelStop,
			p.id,
		); err != nil {
			return fmt.Errorf("error sending stop signal: %w", err)
		}
		waitStart := time.Now()
		if _, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", instanceLockKey); err != nil {
			return fmt.Errorf("error waiting for instance lock: %w", err)
		}
		p.logger.InfoContext(
			ctx,
			"previous instance stopped",
			"waited", time.Since(waitStart),
		)
	}

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelStop); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	p.pool = pool
	p.conn = conn
	p.logger.InfoContext(ctx, "acquired instance lock")
	return nil
}

func (p *postgresGuard) Listen(ctx context.Context, stop func()) error {
	if p.conn == nil {
		return errors.New("instance lock not acquired")
	}
	logger := p.logger.With("channel", postgresNotifyChannelStop)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, err := p.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(instanceListenRetryDelay):
			}
			continue
		}
		if handleStopNotification(ctx, logger, notification, p.id, stop) {
			return nil
		}
	}
	return nil
}

func (p *postgresGuard) Release() {
	if p.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	if _, err := p.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", instanceLockKey); err != nil {
		p.logger.WarnContext(ctx, "error releasing instance lock", tint.Err(err))
	}
	p.conn.Release()
	p.pool.Close()
	p.conn = nil
	p.pool = nil
	p.logger.InfoContext(ctx, "released instance lock")
}

// handleStopNotification calls stop for stop signals sent by other
// instances, returning whether it did
func handleStopNotification(
	ctx context.Context,
	logger *slog.Logger,
	n *pgconn.Notification,
	id string,
	stop func(),
) bool {
	if n == nil || n.Channel != postgresNotifyChannelStop {
		return false
	}
	if n.Payload == id {
		logger.InfoContext(ctx, "received notification from self, ignoring")
		return false
	}
	logger.WarnContext(ctx, "received stop signal via NOTIFY", "from_instance", n.Payload)
	stop()
	return true
}
