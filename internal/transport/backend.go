package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/svcfields"
)

// Backend defaults.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 10 * time.Second
	DefaultGiveUpAfter  = 5
)

// BackendConfig tunes backend connections.
type BackendConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadBuffer   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// GiveUpAfter is the number of failed dials after which the slot is
	// removed and its queue moved to other connections. Dialling continues.
	GiveUpAfter uint
}

// DialFunc opens a backend connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Keeper holds one backend connection slot open, reconnecting as needed.
type Keeper struct {
	sc     *core.ServerConn
	cfg    BackendConfig
	dial   DialFunc
	logger pslog.Logger
}

// NewKeeper returns a keeper for sc. A nil dial uses net.Dialer.
func NewKeeper(sc *core.ServerConn, cfg BackendConfig, dial DialFunc, logger pslog.Logger) *Keeper {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.GiveUpAfter == 0 {
		cfg.GiveUpAfter = DefaultGiveUpAfter
	}
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		dial = d.DialContext
	}
	return &Keeper{
		sc:     sc,
		cfg:    cfg,
		dial:   dial,
		logger: svcfields.WithConn(svcfields.WithSubsystem(logger, "transport.backend"), "backend", sc.ID()),
	}
}

// Run keeps the connection up until ctx ends, then destroys the slot.
func (k *Keeper) Run(ctx context.Context) error {
	defer k.sc.Destroy()
	addr := k.sc.Server().Addr()
	for ctx.Err() == nil {
		nc, err := k.connect(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("relayd.backend.unreachable", "server", addr, "attempts", k.cfg.GiveUpAfter, "error", err)
			k.sc.Remove()
			continue
		}
		k.serve(ctx, nc)
	}
	return nil
}

func (k *Keeper) connect(ctx context.Context, addr string) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.cfg.RetryInitial
	b.MaxInterval = k.cfg.RetryMax
	return backoff.Retry(ctx, func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, k.cfg.DialTimeout)
		defer cancel()
		return k.dial(dctx, "tcp", addr)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(k.cfg.GiveUpAfter),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			k.logger.Debug("relayd.backend.dial_retry", "server", addr, "error", err, "next", next)
		}),
	)
}

// serve attaches nc and reads responses until the connection fails.
func (k *Keeper) serve(ctx context.Context, nc net.Conn) {
	tr := NewConn(nc, k.cfg.WriteTimeout, k.logger)
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()
	k.sc.Attach(tr)

	buf := make([]byte, k.cfg.ReadBuffer)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if perr := k.sc.Process(buf[:n]); perr != nil {
				k.logger.Warn("relayd.backend.closing", "error", perr)
				break
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				k.logger.Debug("relayd.backend.read_ended", "error", err)
			}
			break
		}
	}
	k.sc.Detach()
	_ = tr.Close()
}
