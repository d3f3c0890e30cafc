// Package blocklist answers "is this address blocked" for the peer
// manager. Rules are CIDR prefixes or single addresses loaded from a
// text file, one per line.
package blocklist

import (
	"bufio"
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/afero"
)

// Blocklist is a set of blocked address ranges. Mutations fire the
// changed callbacks so memoized per-peer lookups can be invalidated.
type Blocklist struct {
	enabled  bool
	prefixes []netip.Prefix

	nextTag int
	changed map[int]func()
}

func New() *Blocklist {
	return &Blocklist{enabled: true, changed: make(map[int]func())}
}

// OnChanged registers fn to run after every rule change; the returned
// function unsubscribes it.
func (b *Blocklist) OnChanged(fn func()) func() {
	tag := b.nextTag
	b.nextTag++
	b.changed[tag] = fn
	return func() { delete(b.changed, tag) }
}

func (b *Blocklist) notify() {
	for _, fn := range b.changed {
		fn()
	}
}

func (b *Blocklist) SetEnabled(enabled bool) {
	if b.enabled != enabled {
		b.enabled = enabled
		b.notify()
	}
}

func (b *Blocklist) Len() int { return len(b.prefixes) }

// Add inserts one rule, given as a CIDR prefix or a bare address.
func (b *Blocklist) Add(rule string) error {
	p, err := parseRule(rule)
	if err != nil {
		return err
	}
	b.prefixes = append(b.prefixes, p)
	b.notify()
	return nil
}

// Load replaces all rules with the contents of a rules file. Blank
// lines and #-comments are skipped.
func (b *Blocklist) Load(fs afero.Fs, path string) (int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening blocklist: %w", err)
	}
	defer f.Close()

	var prefixes []netip.Prefix
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parseRule(line)
		if err != nil {
			return 0, fmt.Errorf("blocklist line %q: %w", line, err)
		}
		prefixes = append(prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading blocklist: %w", err)
	}

	b.prefixes = prefixes
	b.notify()
	return len(prefixes), nil
}

// Contains reports whether addr matches any rule.
func (b *Blocklist) Contains(addr netip.Addr) bool {
	if !b.enabled {
		return false
	}
	addr = addr.Unmap()
	for _, p := range b.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseRule(rule string) (netip.Prefix, error) {
	if strings.Contains(rule, "/") {
		return netip.ParsePrefix(rule)
	}
	addr, err := netip.ParseAddr(rule)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
