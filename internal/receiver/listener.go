package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dimse"
)

// Listener accepts associations on one route's port and hands each
// connection to the wire-protocol provider. When no provider is linked
// the listener is skipped entirely; the watcher still processes files an
// external store SCP drops into incoming/.
type Listener struct {
	aeTitle  string
	port     int
	tlsCfg   *tls.Config
	workers  int
	provider dimse.Provider
	sink     dimse.StoreSink
	log      *zap.Logger

	running atomic.Bool
	ln      net.Listener
}

func NewListener(route config.RouteConfig, sink dimse.StoreSink, log *zap.Logger) (*Listener, error) {
	tlsCfg, err := route.TLS.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("receiver: listener %s tls: %w", route.AETitle, err)
	}
	return &Listener{
		aeTitle:  route.AETitle,
		port:     route.Port,
		tlsCfg:   tlsCfg,
		workers:  route.WorkerThreads,
		provider: dimse.ActiveProvider(),
		sink:     sink,
		log:      log,
	}, nil
}

// Running reports whether the listener is accepting, or true when no
// provider is linked so readiness does not depend on the wire stack.
func (l *Listener) Running() bool {
	if l.provider == nil {
		return true
	}
	return l.running.Load()
}

// Run accepts until ctx is cancelled. Each association is served on a
// worker slot; accepts beyond the worker count block until a slot frees.
func (l *Listener) Run(ctx context.Context) error {
	if l.provider == nil {
		l.log.Info("no wire-protocol provider linked, listener disabled",
			zap.String("listener", l.aeTitle), zap.Int("port", l.port))
		<-ctx.Done()
		return nil
	}

	addr := fmt.Sprintf(":%d", l.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	if l.tlsCfg != nil {
		ln = tls.NewListener(ln, l.tlsCfg)
	}
	l.ln = ln
	l.running.Store(true)
	defer l.running.Store(false)
	l.log.Info("listener accepting",
		zap.String("listener", l.aeTitle),
		zap.Int("port", l.port),
		zap.Bool("tls", l.tlsCfg != nil),
		zap.Int("workers", l.workers))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slots := make(chan struct{}, l.workers)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.log.Warn("accept failed", zap.String("listener", l.aeTitle), zap.Error(err))
			continue
		}
		slots <- struct{}{}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := l.provider.ServeAssociation(ctx, c, l.sink); err != nil && ctx.Err() == nil {
				l.log.Warn("association ended with error",
					zap.String("listener", l.aeTitle),
					zap.String("peer", c.RemoteAddr().String()),
					zap.Error(err))
			}
		}(conn)
	}
	wg.Wait()
	return nil
}
