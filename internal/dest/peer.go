package dest

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dimse"
)

const defaultPeerTimeout = 60 * time.Second

// peer stores studies to a remote imaging node. One association is opened
// per study and released when the send returns; probing uses the protocol
// echo operation.
type peer struct {
	name    string
	target  dimse.Target
	factory dimse.RequesterFactory
	log     *zap.Logger
}

func newPeer(name string, cfg config.DestinationConfig, factory dimse.RequesterFactory, log *zap.Logger) (*peer, error) {
	timeout := defaultPeerTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	calling := cfg.CallingAETitle
	if calling == "" {
		calling = "RADGATE"
	}
	return &peer{
		name: name,
		target: dimse.Target{
			CalledAE:  cfg.AETitle,
			CallingAE: calling,
			Host:      cfg.Host,
			Port:      cfg.Port,
			TLS:       cfg.TLS.Enabled,
			Timeout:   timeout,
		},
		factory: factory,
		log:     log,
	}, nil
}

func (p *peer) Name() string { return p.name }
func (p *peer) Kind() Kind   { return KindPeer }

func (p *peer) Probe(ctx context.Context) error {
	if p.factory == nil {
		return fmt.Errorf("dest: peer %s: no wire stack linked", p.name)
	}
	req, err := p.factory()
	if err != nil {
		return fmt.Errorf("dest: peer %s: %w", p.name, err)
	}
	defer req.Close()
	ctx, cancel := context.WithTimeout(ctx, p.target.Timeout)
	defer cancel()
	if err := req.Echo(ctx, p.target); err != nil {
		return fmt.Errorf("dest: peer %s echo: %w", p.name, err)
	}
	return nil
}

func (p *peer) Send(ctx context.Context, sendReq SendRequest) (SendResult, error) {
	if p.factory == nil {
		return SendResult{}, fmt.Errorf("dest: peer %s: no wire stack linked", p.name)
	}
	req, err := p.factory()
	if err != nil {
		return SendResult{}, fmt.Errorf("dest: peer %s: %w", p.name, err)
	}
	defer req.Close()

	outcomes, err := req.Store(ctx, p.target, sendReq.Files)
	if err != nil {
		return SendResult{}, fmt.Errorf("dest: peer %s store: %w", p.name, err)
	}
	var res SendResult
	var firstFail error
	for _, o := range outcomes {
		if o.Status == dimse.StatusSuccess && o.Err == nil {
			res.FilesTransferred++
			if fi, err := os.Stat(o.Path); err == nil {
				res.BytesSent += fi.Size()
			}
			continue
		}
		p.log.Warn("peer rejected instance",
			zap.String("destination", p.name),
			zap.String("file", o.Path),
			zap.Uint16("status", uint16(o.Status)),
			zap.Error(o.Err))
		if firstFail == nil {
			firstFail = fmt.Errorf("dest: peer %s rejected %s (status %04X)", p.name, o.Path, uint16(o.Status))
		}
	}
	if res.FilesTransferred == 0 && firstFail != nil {
		return res, firstFail
	}
	if firstFail != nil {
		return res, fmt.Errorf("dest: peer %s: %d of %d files failed: %w",
			p.name, len(sendReq.Files)-res.FilesTransferred, len(sendReq.Files), firstFail)
	}
	return res, nil
}

func (p *peer) Close() error { return nil }
