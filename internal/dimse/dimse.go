// Package dimse is the boundary to the imaging wire protocol. The gateway
// does not implement associations itself; an external provider negotiates
// presentation contexts and hands decoded store requests to the receiver,
// and an external requester performs echo and store operations against
// peers. This package owns the interfaces both sides program against plus
// the SOP class and transfer syntax tables the gateway advertises.
package dimse

import (
	"context"
	"io"
	"net"
	"time"
)

// Status codes returned to a storing peer.
type Status uint16

const (
	StatusSuccess           Status = 0x0000
	StatusOutOfResources    Status = 0xA700
	StatusProcessingFailure Status = 0x0110
)

// StoreRequest is one decoded C-STORE operation. Body streams the complete
// file as received (preamble, file meta, dataset) so large instances never
// have to fit in memory; the identifying fields come from the command set.
type StoreRequest struct {
	CallingAE      string
	CalledAE       string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Body           io.Reader
}

// StoreSink accepts store requests from a provider. An error fails that
// instance's response without tearing down the association.
type StoreSink interface {
	OnStore(ctx context.Context, req *StoreRequest) error
}

// Provider is the SCP side. ServeAssociation owns conn for the lifetime of
// one association: it negotiates contexts from the advertised SOP class and
// transfer syntax tables, feeds each received instance to sink, and returns
// when the peer releases or aborts.
type Provider interface {
	ServeAssociation(ctx context.Context, conn net.Conn, sink StoreSink) error
}

// Target addresses a peer node for outbound operations.
type Target struct {
	CalledAE  string
	CallingAE string
	Host      string
	Port      int
	TLS       bool
	Timeout   time.Duration
}

// FileOutcome is the per-file result of a store operation.
type FileOutcome struct {
	Path   string
	Status Status
	Err    error
}

// Requester is the SCU side used by the peer destination client. Store
// declares one presentation context per unique SOP class among the files,
// each with the full transfer syntax list, and releases the association
// when the study is done.
type Requester interface {
	Echo(ctx context.Context, target Target) error
	Store(ctx context.Context, target Target, files []string) ([]FileOutcome, error)
	Close() error
}

// RequesterFactory builds a Requester. The peer client takes a factory so
// tests can substitute a fake without a wire stack.
type RequesterFactory func() (Requester, error)

// activeProvider is installed by the linked protocol implementation. When
// nil the gateway still runs: the inbox watcher processes files an external
// store SCP drops into incoming/, but no TCP listeners are started.
var activeProvider Provider

// SetProvider installs the wire-protocol implementation.
func SetProvider(p Provider) { activeProvider = p }

// ActiveProvider returns the installed provider, or nil.
func ActiveProvider() Provider { return activeProvider }
