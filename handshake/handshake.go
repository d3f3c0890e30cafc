// Package handshake holds the per-socket handshake state the manager
// keeps while the cryptographic driver runs. The driver itself is an
// external collaborator; completion arrives as a single Result.
package handshake

import (
	"net/netip"

	"github.com/fredo-47/transmission/config"
)

// IO is the slice of a peer transport the handshake needs to own.
type IO interface {
	SocketAddr() netip.AddrPort
	IsIncoming() bool
	IsUTP() bool
	TorrentHash() [20]byte
	Close()
}

// Result is what the driver reports when a handshake finishes, well or
// badly.
type Result struct {
	OK           bool // peer completed the handshake
	ReadAnything bool // false means the peer never sent a byte
	IsIncoming   bool
	IsUTP        bool
	PeerID       *[20]byte
	SockAddr     netip.AddrPort
	InfoHash     [20]byte

	// IO is the connection under negotiation; filled in by Complete.
	IO IO
}

// DoneFunc consumes a Result; it returns true when the connection was
// adopted (the IO must not be closed by the handshake in that case).
type DoneFunc func(Result) bool

// Handshake is an in-flight handshake, keyed in the manager's maps by
// socket address.
type Handshake struct {
	io   IO
	mode config.EncryptionMode
	done DoneFunc
}

func New(io IO, mode config.EncryptionMode, done DoneFunc) *Handshake {
	return &Handshake{io: io, mode: mode, done: done}
}

func (h *Handshake) IO() IO                          { return h.io }
func (h *Handshake) EncryptionMode() config.EncryptionMode { return h.mode }

// Complete delivers the driver's result to the manager's callback and
// closes the IO if nobody adopted it.
func (h *Handshake) Complete(res Result) {
	if res.IO == nil {
		res.IO = h.io
	}
	if !h.done(res) && h.io != nil {
		h.io.Close()
	}
}

// Abort tears down a handshake that will never complete, e.g. when the
// swarm shuts down.
func (h *Handshake) Abort() {
	if h.io != nil {
		h.io.Close()
	}
}
