// Package wire is the boundary to the peer wire-protocol driver. The
// manager never parses BitTorrent messages itself: the driver raises
// typed Events into the swarm, and the swarm talks back through the
// Messenger send interface.
package wire

import "errors"

// Protocol faults the manager treats as grounds for purging a peer.
var (
	ErrOutOfRange    = errors.New("wire: request out of range")
	ErrMessageTooBig = errors.New("wire: message exceeds size limit")
	ErrNotConnected  = errors.New("wire: not connected")
)

// IsProtocolFault reports whether err is one of the faults that mark a
// peer for purging; anything else is logged and forgiven.
func IsProtocolFault(err error) bool {
	return errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrMessageTooBig) ||
		errors.Is(err, ErrNotConnected)
}

type EventType int

const (
	GotPieceData EventType = iota // peer sent us piece data
	SentPieceData                 // we sent the peer piece data
	GotHave
	GotHaveAll
	GotHaveNone
	GotBitfield
	GotChoke
	GotPort
	GotSuggest
	GotAllowedFast
	GotReject
	GotBlock
	Error
)

// Event is one occurrence on a peer connection. Which fields are
// meaningful depends on Type.
type Event struct {
	Type EventType

	Length   int64  // GotPieceData / SentPieceData byte count
	Piece    int    // GotHave, GotSuggest, GotAllowedFast, GotReject, GotBlock
	Offset   int64  // GotReject, GotBlock
	Bitfield []byte // GotBitfield
	Port     uint16 // GotPort; zero means "no port"
	Err      error  // Error
}

// Messenger is the send half of one peer connection's driver. All
// sends are queued by the driver and flushed from Pulse.
type Messenger interface {
	// Pulse advances the connection's state machine: flushes queued
	// messages, reads what the socket has, raises events.
	Pulse()

	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(piece int) error
	SendCancel(piece int, offset int64, length int64) error
	SendPort(port uint16) error

	Close() error
}
