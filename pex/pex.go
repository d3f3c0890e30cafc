// Package pex implements the peer-exchange address formats: the
// compact 6/18-byte address encoding and the bencoded ut_pex message
// that carries it.
package pex

import (
	"bytes"
	"fmt"
	"net/netip"
	"sort"

	bencode "github.com/jackpal/bencode-go"
)

// Flag bits advertised alongside each address in the added.f array.
const (
	FlagPrefersEncryption byte = 1 << 0
	FlagSeed              byte = 1 << 1
	FlagSupportsUTP       byte = 1 << 2
	FlagHolepunch         byte = 1 << 3
	FlagConnectable       byte = 1 << 4
)

const (
	compactV4Bytes = 6  // 4 address + 2 port
	compactV6Bytes = 18 // 16 address + 2 port
)

// Pex is one exchanged peer address.
type Pex struct {
	Addr  netip.Addr
	Port  uint16
	Flags byte
}

func (p Pex) AddrPort() netip.AddrPort { return netip.AddrPortFrom(p.Addr, p.Port) }

// IsValid rejects the garbage real swarms produce: unspecified
// addresses and port zero.
func (p Pex) IsValid() bool {
	return p.Addr.IsValid() && !p.Addr.IsUnspecified() && p.Port != 0
}

// Less orders by address then port, the stable order used for
// announce and PEX payloads.
func (p Pex) Less(q Pex) bool {
	if c := p.Addr.Compare(q.Addr); c != 0 {
		return c < 0
	}
	return p.Port < q.Port
}

// Sort sorts peers in place by (address, port).
func Sort(peers []Pex) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
}

// FromCompactIPv4 decodes groups of 6 bytes. addedF, when present and
// of matching length, supplies per-peer flags.
func FromCompactIPv4(compact, addedF []byte) []Pex {
	n := len(compact) / compactV4Bytes
	peers := make([]Pex, 0, n)
	for i := 0; i < n; i++ {
		chunk := compact[i*compactV4Bytes:]
		var a4 [4]byte
		copy(a4[:], chunk[:4])
		p := Pex{
			Addr: netip.AddrFrom4(a4),
			Port: uint16(chunk[4])<<8 | uint16(chunk[5]),
		}
		if len(addedF) == n {
			p.Flags = addedF[i]
		}
		peers = append(peers, p)
	}
	return peers
}

// FromCompactIPv6 decodes groups of 18 bytes.
func FromCompactIPv6(compact, addedF []byte) []Pex {
	n := len(compact) / compactV6Bytes
	peers := make([]Pex, 0, n)
	for i := 0; i < n; i++ {
		chunk := compact[i*compactV6Bytes:]
		var a16 [16]byte
		copy(a16[:], chunk[:16])
		p := Pex{
			Addr: netip.AddrFrom16(a16),
			Port: uint16(chunk[16])<<8 | uint16(chunk[17]),
		}
		if len(addedF) == n {
			p.Flags = addedF[i]
		}
		peers = append(peers, p)
	}
	return peers
}

// ToCompact encodes peers into the compact form plus the parallel
// flags array. All peers must share one address family.
func ToCompact(peers []Pex) (compact, addedF []byte) {
	for _, p := range peers {
		if p.Addr.Is4() {
			a4 := p.Addr.As4()
			compact = append(compact, a4[:]...)
		} else {
			a16 := p.Addr.As16()
			compact = append(compact, a16[:]...)
		}
		compact = append(compact, byte(p.Port>>8), byte(p.Port))
		addedF = append(addedF, p.Flags)
	}
	return compact, addedF
}

// Message is the bencoded body of a ut_pex extension message.
type Message struct {
	Added    string `bencode:"added"`
	AddedF   string `bencode:"added.f"`
	Added6   string `bencode:"added6"`
	Added6F  string `bencode:"added6.f"`
	Dropped  string `bencode:"dropped"`
	Dropped6 string `bencode:"dropped6"`
}

// EncodeMessage builds a ut_pex payload from the added and dropped
// address lists, splitting them by family.
func EncodeMessage(added, dropped []Pex) ([]byte, error) {
	var msg Message
	split := func(peers []Pex) (v4, v6 []Pex) {
		for _, p := range peers {
			if p.Addr.Is4() {
				v4 = append(v4, p)
			} else {
				v6 = append(v6, p)
			}
		}
		return v4, v6
	}

	a4, a6 := split(added)
	c, f := ToCompact(a4)
	msg.Added, msg.AddedF = string(c), string(f)
	c, f = ToCompact(a6)
	msg.Added6, msg.Added6F = string(c), string(f)

	d4, d6 := split(dropped)
	c, _ = ToCompact(d4)
	msg.Dropped = string(c)
	c, _ = ToCompact(d6)
	msg.Dropped6 = string(c)

	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, msg); err != nil {
		return nil, fmt.Errorf("encoding ut_pex: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a ut_pex payload into added and dropped lists.
func DecodeMessage(payload []byte) (added, dropped []Pex, err error) {
	var msg Message
	if err := bencode.Unmarshal(bytes.NewReader(payload), &msg); err != nil {
		return nil, nil, fmt.Errorf("decoding ut_pex: %w", err)
	}
	added = append(added, FromCompactIPv4([]byte(msg.Added), []byte(msg.AddedF))...)
	added = append(added, FromCompactIPv6([]byte(msg.Added6), []byte(msg.Added6F))...)
	dropped = append(dropped, FromCompactIPv4([]byte(msg.Dropped), nil)...)
	dropped = append(dropped, FromCompactIPv6([]byte(msg.Dropped6), nil)...)
	return added, dropped, nil
}
