package natspool

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
	"github.com/KSD-CO/rule-engine-postgres-sub003/pkg/retry"
)

// ConnState tracks the lifecycle of a single pooled connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn wraps one NATS connection belonging to a pool. State transitions
// are driven by the client library's connection handlers, so readers see
// the broker's view without polling.
type Conn struct {
	id     int
	cfg    *config.ConnectionConfig
	logger *slog.Logger

	nc    *nats.Conn
	js    jetstream.JetStream
	state atomic.Int32
}

// Name returns a stable identifier for this connection within its pool.
func (c *Conn) Name() string {
	return fmt.Sprintf("%s-%d", c.cfg.Name, c.id)
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Healthy reports whether the underlying connection is usable for
// publishing right now.
func (c *Conn) Healthy() bool {
	return c.State() == StateConnected && c.nc != nil && c.nc.IsConnected()
}

// Raw exposes the underlying NATS connection for core publishing.
func (c *Conn) Raw() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream context for durable publishing. It
// fails with ErrStreamNotEnabled when the connection config does not
// enable durable streams.
func (c *Conn) JetStream() (jetstream.JetStream, error) {
	if !c.cfg.DurableStream {
		return nil, errors.WrapStream(errors.ErrStreamNotEnabled, "Conn", "JetStream", "get stream context")
	}
	return c.js, nil
}

// dial establishes the connection, retrying per the config's reconnect
// policy. Authentication failures abort immediately.
func (c *Conn) dial(ctx context.Context) error {
	opts, err := buildConnectOptions(c)
	if err != nil {
		return errors.WrapConfig(err, "Conn", "dial", "build connect options")
	}

	servers := c.cfg.ServerList()
	rc := retry.Config{
		MaxAttempts:  c.cfg.Reconnect.MaxAttempts,
		InitialDelay: c.cfg.Reconnect.InitialDelay,
		MaxDelay:     c.cfg.Reconnect.MaxDelay,
		Multiplier:   c.cfg.Reconnect.Multiplier,
		AddJitter:    true,
	}

	err = retry.Do(ctx, rc, func() error {
		nc, connErr := nats.Connect(servers, opts...)
		if connErr != nil {
			if isAuthErr(connErr) {
				return retry.NonRetryable(errors.WrapAuth(connErr, "Conn", "dial", "authenticate"))
			}
			if isTimeoutErr(connErr) {
				connErr = fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, connErr)
			}
			c.logger.Warn("broker dial failed",
				"connection", c.Name(),
				"error", connErr)
			return errors.WrapConnection(connErr, "Conn", "dial", "connect to broker")
		}
		c.nc = nc
		return nil
	})
	if err != nil {
		return err
	}

	if c.cfg.DurableStream {
		js, jsErr := jetstream.New(c.nc)
		if jsErr != nil {
			c.nc.Close()
			return errors.WrapStream(jsErr, "Conn", "dial", "create stream context")
		}
		c.js = js
	}

	c.state.Store(int32(StateConnected))
	c.logger.Debug("broker connection established", "connection", c.Name())
	return nil
}

// close drains the connection so in-flight publishes flush before the
// socket closes. The context bounds how long the drain may take.
func (c *Conn) close(ctx context.Context) error {
	if c.nc == nil || c.nc.IsClosed() {
		c.state.Store(int32(StateClosed))
		return nil
	}

	done := make(chan struct{})
	prev := c.nc.Opts.ClosedCB
	c.nc.SetClosedHandler(func(nc *nats.Conn) {
		if prev != nil {
			prev(nc)
		}
		close(done)
	})

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		c.state.Store(int32(StateClosed))
		return errors.WrapConnection(err, "Conn", "close", "drain connection")
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.nc.Close()
		c.state.Store(int32(StateClosed))
		return errors.WrapConnection(ctx.Err(), "Conn", "close", "wait for drain")
	}

	c.state.Store(int32(StateClosed))
	return nil
}

// buildConnectOptions assembles nats.Options from the connection config:
// identity, timeouts, reconnect behavior, auth variant, TLS, and the
// state-tracking handlers.
func buildConnectOptions(c *Conn) ([]nats.Option, error) {
	cfg := c.cfg
	opts := []nats.Option{
		nats.Name(c.Name()),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.Reconnect.MaxAttempts),
		nats.ReconnectWait(cfg.Reconnect.InitialDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.state.Store(int32(StateReconnecting))
			if err != nil {
				c.logger.Warn("broker connection lost",
					"connection", c.Name(),
					"error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.state.Store(int32(StateConnected))
			c.logger.Info("broker connection restored",
				"connection", c.Name(),
				"server", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.state.Store(int32(StateClosed))
		}),
	}

	switch cfg.Auth.Type {
	case config.AuthNone:
	case config.AuthToken:
		opts = append(opts, nats.Token(cfg.Auth.Token))
	case config.AuthCredentials:
		opts = append(opts, nats.UserInfo(cfg.Auth.Username, cfg.Auth.Password))
	case config.AuthNKey:
		nkey, err := nats.NkeyOptionFromSeed(cfg.Auth.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("load nkey seed: %w", err)
		}
		opts = append(opts, nkey)
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Auth.Type)
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile != "" {
			opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		}
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
	}

	return opts, nil
}

// isAuthErr recognizes authentication failures reported by the broker.
func isAuthErr(err error) bool {
	return stderrors.Is(err, nats.ErrAuthorization) ||
		stderrors.Is(err, nats.ErrAuthExpired) ||
		stderrors.Is(err, nats.ErrAuthRevoked)
}

// isTimeoutErr recognizes dial attempts that expired rather than being
// refused, so they are marked with the timeout sentinel.
func isTimeoutErr(err error) bool {
	if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// FlushTimeout forwards to the underlying connection, mapping the
// client's timeout error into the publish taxonomy.
func (c *Conn) FlushTimeout(d time.Duration) error {
	if err := c.nc.FlushTimeout(d); err != nil {
		if stderrors.Is(err, nats.ErrTimeout) {
			return errors.WrapPublish(errors.ErrPublishTimeout, "Conn", "FlushTimeout", "flush pending publishes")
		}
		return errors.WrapPublish(err, "Conn", "FlushTimeout", "flush pending publishes")
	}
	return nil
}
