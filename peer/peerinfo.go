package peer

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/fredo-47/transmission/blocklist"
)

// From says how we learned about a peer. Lower values are more
// trusted sources.
type From int

const (
	FromIncoming From = iota
	FromTracker
	FromDHT
	FromPEX
	FromLTEP
	FromLPD
	FromResume
	FromManual

	fromMax
)

func (f From) String() string {
	switch f {
	case FromIncoming:
		return "incoming"
	case FromTracker:
		return "tracker"
	case FromDHT:
		return "dht"
	case FromPEX:
		return "pex"
	case FromLTEP:
		return "ltep"
	case FromLPD:
		return "lpd"
	case FromResume:
		return "resume"
	case FromManual:
		return "manual"
	}
	return "unknown"
}

// tristate is a bool whose value may not be known yet.
type tristate int8

const (
	unknown tristate = iota
	yes
	no
)

func (t tristate) orTrue() bool { return t != no }

// reconnect backoff schedule, indexed by failure count
var reconnectIntervalSecs = []int64{0, 5, 2 * 60, 15 * 60, 30 * 60, 60 * 60}

const (
	reconnectIntervalMax = 120 * 60
	// peers that gave us piece data recently get back in fast
	minimumReconnectIntervalSecs = 5
)

// PeerInfo is the long-lived record for one known peer, keyed by its
// listen address. It survives disconnects for the life of the swarm;
// live connections hold a pointer into the swarm's pools.
type PeerInfo struct {
	listenAddr netip.Addr
	listenPort uint16 // zero until an incoming peer reports it

	pexFlags  byte
	fromFirst From
	fromBest  From

	seed      bool
	banned    bool
	connected bool

	connectable tristate
	utp         tristate

	blocklisted *bool // memoized; nil = not checked since last change

	failureCount  int
	attemptTime   int64 // unix seconds of the last connection attempt
	pieceDataTime int64 // unix seconds piece data last moved
}

// newPeerInfo makes a record for a dialable peer.
func newPeerInfo(addr netip.AddrPort, flags byte, from From) *PeerInfo {
	return &PeerInfo{
		listenAddr: addr.Addr().Unmap(),
		listenPort: addr.Port(),
		pexFlags:   flags,
		fromFirst:  from,
		fromBest:   from,
	}
}

// newIncomingPeerInfo makes a record for an incoming peer whose listen
// port we have not learned yet.
func newIncomingPeerInfo(addr netip.Addr, flags byte, from From) *PeerInfo {
	return &PeerInfo{
		listenAddr: addr.Unmap(),
		pexFlags:   flags,
		fromFirst:  from,
		fromBest:   from,
	}
}

func (i *PeerInfo) ListenAddr() netip.Addr { return i.listenAddr }
func (i *PeerInfo) ListenPort() uint16     { return i.listenPort }

// ListenSocketAddr is the peer's dialable endpoint; the port is zero
// for incoming peers that have not told us theirs.
func (i *PeerInfo) ListenSocketAddr() netip.AddrPort {
	return netip.AddrPortFrom(i.listenAddr, i.listenPort)
}

func (i *PeerInfo) DisplayName() string {
	return fmt.Sprintf("%s:%d", i.listenAddr, i.listenPort)
}

func (i *PeerInfo) PexFlags() byte   { return i.pexFlags }
func (i *PeerInfo) FromFirst() From  { return i.fromFirst }
func (i *PeerInfo) FromBest() From   { return i.fromBest }
func (i *PeerInfo) IsSeed() bool     { return i.seed }
func (i *PeerInfo) IsBanned() bool   { return i.banned }
func (i *PeerInfo) IsConnected() bool { return i.connected }

func (i *PeerInfo) SetSeed()            { i.seed = true }
func (i *PeerInfo) Ban()                { i.banned = true }
func (i *PeerInfo) setConnected(c bool) { i.connected = c }

func (i *PeerInfo) SetPexFlags(flags byte) { i.pexFlags |= flags }

// FoundAt records a rediscovery through another source.
func (i *PeerInfo) FoundAt(from From) {
	if from < i.fromBest {
		i.fromBest = from
	}
}

// IsConnectable is a tri-state: known is false while we have never
// found out.
func (i *PeerInfo) IsConnectable() (known, connectable bool) {
	return i.connectable != unknown, i.connectable == yes
}

func (i *PeerInfo) SetConnectable(connectable bool) {
	if connectable {
		i.connectable = yes
	} else {
		i.connectable = no
	}
}

func (i *PeerInfo) SupportsUTP() (known, supported bool) {
	return i.utp != unknown, i.utp == yes
}

func (i *PeerInfo) SetUTPSupported(supported bool) {
	if supported {
		i.utp = yes
	} else {
		i.utp = no
	}
}

func (i *PeerInfo) ConnectionFailureCount() int  { return i.failureCount }
func (i *PeerInfo) ConnectionAttemptTime() int64 { return i.attemptTime }
func (i *PeerInfo) LatestPieceDataTime() int64   { return i.pieceDataTime }

func (i *PeerInfo) SetConnectionAttemptTime(now int64) { i.attemptTime = now }
func (i *PeerInfo) SetLatestPieceDataTime(now int64)   { i.pieceDataTime = now }

// OnConnectionFailed bumps the failure count, widening the reconnect
// backoff.
func (i *PeerInfo) OnConnectionFailed() { i.failureCount++ }

// IdleSecs returns how long since piece data moved; ok is false when
// no piece data has ever moved.
func (i *PeerInfo) IdleSecs(now int64) (secs int64, ok bool) {
	if i.pieceDataTime == 0 {
		return 0, false
	}
	return now - i.pieceDataTime, true
}

// ReconnectIntervalPassed reports whether enough time has passed since
// the last attempt for another dial to be worthwhile.
func (i *PeerInfo) ReconnectIntervalPassed(now int64) bool {
	var interval int64
	if i.pieceDataTime != 0 && now-i.pieceDataTime <= minimumReconnectIntervalSecs*2 {
		interval = minimumReconnectIntervalSecs
	} else if i.failureCount < len(reconnectIntervalSecs) {
		interval = reconnectIntervalSecs[i.failureCount]
	} else {
		interval = reconnectIntervalMax
	}
	return now-i.attemptTime >= interval
}

// IsBlocklisted checks the session blocklist, memoizing the answer
// until SetBlocklistedDirty.
func (i *PeerInfo) IsBlocklisted(bl *blocklist.Blocklist) bool {
	if i.blocklisted != nil {
		return *i.blocklisted
	}
	v := bl.Contains(i.listenAddr)
	i.blocklisted = &v
	return v
}

func (i *PeerInfo) SetBlocklistedDirty() { i.blocklisted = nil }

// Merge absorbs the loser of a pool collision into the survivor,
// keeping the history that matters: seed/ban flags stick, PEX flags
// union, the most trusted source wins, and the counters keep their
// maxima.
func (i *PeerInfo) Merge(o *PeerInfo) {
	i.seed = i.seed || o.seed
	i.banned = i.banned || o.banned
	i.pexFlags |= o.pexFlags
	if o.fromBest < i.fromBest {
		i.fromBest = o.fromBest
	}
	if o.fromFirst < i.fromFirst {
		i.fromFirst = o.fromFirst
	}
	if o.failureCount > i.failureCount {
		i.failureCount = o.failureCount
	}
	if o.pieceDataTime > i.pieceDataTime {
		i.pieceDataTime = o.pieceDataTime
	}
	if o.attemptTime > i.attemptTime {
		i.attemptTime = o.attemptTime
	}
	if i.connectable == unknown {
		i.connectable = o.connectable
	}
	if i.utp == unknown {
		i.utp = o.utp
	}
	i.blocklisted = nil
}

// sortInfosByUsefulness sorts records better-first.
func sortInfosByUsefulness(infos []*PeerInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		return compareByUsefulness(infos[i], infos[j]) < 0
	})
}

// compareByUsefulness orders two records, better first: fresher piece
// data, then more trusted source, then fewer connection failures.
// Returns <0 when a is better.
func compareByUsefulness(a, b *PeerInfo) int {
	if a.pieceDataTime != b.pieceDataTime {
		if a.pieceDataTime > b.pieceDataTime {
			return -1
		}
		return 1
	}
	if a.fromBest != b.fromBest {
		if a.fromBest < b.fromBest {
			return -1
		}
		return 1
	}
	if a.failureCount != b.failureCount {
		if a.failureCount < b.failureCount {
			return -1
		}
		return 1
	}
	return 0
}
