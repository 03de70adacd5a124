package agent

import (
	"context"
	"fmt"
	"time"
)

const defaultShutdownTimeout = 15 * time.Second

// Logger defines the logging interface for the agent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Lifecycle is the connection manager as the controller drives it.
// *connectivity.Manager implements it.
type Lifecycle interface {
	Start(ctx context.Context) error
	Terminate(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Publications is the periodic work started once connected.
// *scheduler.Scheduler implements it.
type Publications interface {
	Start(ctx context.Context) error
	Stop()
}

// Controller runs the agent: connect, start publications, wait for a stop
// request or a fatal connection error, then shut down in order.
type Controller struct {
	manager         Lifecycle
	publications    Publications
	logger          Logger
	shutdownTimeout time.Duration
}

// NewController creates a controller.
func NewController(manager Lifecycle, publications Publications) *Controller {
	return &Controller{
		manager:         manager,
		publications:    publications,
		logger:          noopLogger{},
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetShutdownTimeout bounds how long Run waits for the manager to stop.
func (c *Controller) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		c.shutdownTimeout = d
	}
}

// Run blocks until ctx is cancelled or the connection manager fails
// fatally. Cancelling ctx is a clean shutdown and returns nil, even when it
// happens before the first connection. A fatal manager error is returned.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("connecting")

	// The manager must outlive ctx so that publications stop before the
	// session is closed. Only Terminate ends it.
	started := make(chan error, 1)
	go func() { started <- c.manager.Start(context.WithoutCancel(ctx)) }()

	select {
	case err := <-started:
		if err != nil {
			c.terminate()
			if ctx.Err() != nil {
				c.logger.Info("stopped before first connection")
				return nil
			}
			return fmt.Errorf("starting connection manager: %w", err)
		}
	case <-ctx.Done():
		c.terminate()
		<-started
		c.logger.Info("stopped before first connection")
		return nil
	}

	if err := c.publications.Start(ctx); err != nil {
		c.terminate()
		return fmt.Errorf("starting publications: %w", err)
	}
	c.logger.Info("agent running")

	select {
	case <-ctx.Done():
		c.logger.Info("stop requested")
	case <-c.manager.Done():
		c.logger.Warn("connection manager stopped")
	}

	c.publications.Stop()
	termErr := c.terminate()

	if err := c.manager.Err(); err != nil {
		return err
	}
	return termErr
}

func (c *Controller) terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	if err := c.manager.Terminate(ctx); err != nil {
		c.logger.Error("terminating connection manager", "error", err)
		return err
	}
	return nil
}
