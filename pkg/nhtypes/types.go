// Package nhtypes holds the primitive route/next-hop types shared by every
// reconciler: IP addresses and prefixes, MAC addresses, next-hop keys, and
// the canonical next-hop-group key that lets permutation-equivalent groups
// deduplicate to a single backend object.
package nhtypes

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// IpAddress wraps net.IP with the v4/v6 distinction the engine cares about.
type IpAddress struct {
	addr net.IP
}

// ParseIPAddress parses a bare IP address (no mask).
func ParseIPAddress(s string) (IpAddress, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IpAddress{}, fmt.Errorf("nhtypes: invalid IP address %q", s)
	}
	return IpAddress{addr: ip}, nil
}

// IsZero reports whether this is the unspecified address (0.0.0.0 or ::),
// used by the engine to recognize a direct route's placeholder next hop.
func (a IpAddress) IsZero() bool {
	return a.addr == nil || a.addr.IsUnspecified()
}

// IsV4 reports whether the address is IPv4.
func (a IpAddress) IsV4() bool { return a.addr.To4() != nil }

// IsLinkLocal reports whether the address is link-local unicast or multicast.
func (a IpAddress) IsLinkLocal() bool {
	return a.addr.IsLinkLocalUnicast() || a.addr.IsLinkLocalMulticast()
}

// IsMulticast reports whether the address is a multicast address.
func (a IpAddress) IsMulticast() bool { return a.addr.IsMulticast() }

func (a IpAddress) String() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.String()
}

// IpPrefix is an address plus a mask length.
type IpPrefix struct {
	Addr     IpAddress
	MaskLen  int
	original string
}

// ParseIPPrefix parses "ip/masklen", or a bare address, whose mask length
// defaults to 32 (IPv4) or 128 (IPv6).
func ParseIPPrefix(s string) (IpPrefix, error) {
	parts := strings.SplitN(s, "/", 2)
	ip, err := ParseIPAddress(parts[0])
	if err != nil {
		return IpPrefix{}, err
	}
	maskLen := 32
	if ip.addr.To4() == nil {
		maskLen = 128
	}
	if len(parts) == 2 {
		maskLen, err = strconv.Atoi(parts[1])
		if err != nil {
			return IpPrefix{}, fmt.Errorf("nhtypes: invalid mask length in %q", s)
		}
	}
	return IpPrefix{Addr: ip, MaskLen: maskLen, original: s}, nil
}

func (p IpPrefix) String() string {
	if p.original != "" {
		return p.original
	}
	return fmt.Sprintf("%s/%d", p.Addr, p.MaskLen)
}

// IsFullMask reports whether the prefix covers exactly one address
// (/32 for v4, /128 for v6).
func (p IpPrefix) IsFullMask() bool {
	if p.Addr.IsV4() {
		return p.MaskLen == 32
	}
	return p.MaskLen == 128
}

// IsDefault reports whether this is 0.0.0.0/0 or ::/0.
func (p IpPrefix) IsDefault() bool {
	return p.Addr.IsZero() && p.MaskLen == 0
}

// Contains reports whether p fully contains other (p is equal to or a
// supernet of other). Used for subnet containment (route reconciler step 2)
// and for flow-counter pattern overlap detection.
func (p IpPrefix) Contains(other IpPrefix) bool {
	_, pNet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", p.Addr, p.MaskLen))
	if err != nil {
		return false
	}
	return pNet.Contains(other.Addr.addr) && p.MaskLen <= other.MaskLen
}

// Overlaps reports whether p and other share any address (equal, or one
// contains the other).
func (p IpPrefix) Overlaps(other IpPrefix) bool {
	return p.Contains(other) || other.Contains(p)
}

// MacAddress is a 6-byte hardware address.
type MacAddress struct {
	hw net.HardwareAddr
}

// ParseMAC parses a colon/dash separated MAC address.
func ParseMAC(s string) (MacAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MacAddress{}, fmt.Errorf("nhtypes: invalid MAC %q: %w", s, err)
	}
	return MacAddress{hw: hw}, nil
}

func (m MacAddress) String() string { return m.hw.String() }

// EUI64LinkLocal computes the EUI-64 derived IPv6 link-local address for a
// MAC, used by the route reconciler's link-local bootstrap (spec.md §4.4).
func (m MacAddress) EUI64LinkLocal() (IpAddress, error) {
	if len(m.hw) != 6 {
		return IpAddress{}, fmt.Errorf("nhtypes: EUI-64 requires a 6-byte MAC")
	}
	b := make([]byte, 8)
	copy(b, m.hw[:3])
	b[3] = 0xff
	b[4] = 0xfe
	copy(b[5:], m.hw[3:])
	b[0] ^= 0x02 // flip universal/local bit

	ip := make(net.IP, 16)
	ip[0] = 0xfe
	ip[1] = 0x80
	copy(ip[8:], b)
	return IpAddress{addr: ip}, nil
}

// NextHopKey identifies a single next hop: an IP reachable via an interface,
// an interface-direct next hop (IP unset), or an overlay/MPLS/SRv6 synthetic
// next hop carrying the relevant encap fields.
type NextHopKey struct {
	IP        string // empty for interface-direct
	Ifname    string
	Weight    int // 0 means unweighted
	IfDown    bool
	MPLSLabels []uint32
	Segment    string // SRv6 segment (SID list name or encoded segment)
	SegSrc     string // SRv6 source address
	VNI        uint32
	RemoteMAC  string
}

// IsOverlay reports whether this next hop carries VXLAN/EVPN encap fields.
func (k NextHopKey) IsOverlay() bool { return k.VNI != 0 }

// IsSRv6 reports whether this next hop carries an SRv6 segment.
func (k NextHopKey) IsSRv6() bool { return k.Segment != "" }

// IsLabeled reports whether this next hop pushes an MPLS label stack.
func (k NextHopKey) IsLabeled() bool { return len(k.MPLSLabels) > 0 }

// String serializes the key canonically: this is the per-member
// representation folded into NextHopGroupKey's serialization.
func (k NextHopKey) String() string {
	var b strings.Builder
	b.WriteString(k.IP)
	b.WriteByte('@')
	b.WriteString(k.Ifname)
	if k.Weight > 0 {
		fmt.Fprintf(&b, ":w%d", k.Weight)
	}
	if len(k.MPLSLabels) > 0 {
		b.WriteString(":mpls")
		for _, l := range k.MPLSLabels {
			fmt.Fprintf(&b, "-%d", l)
		}
	}
	if k.Segment != "" {
		fmt.Fprintf(&b, ":seg=%s", k.Segment)
	}
	if k.SegSrc != "" {
		fmt.Fprintf(&b, ":segsrc=%s", k.SegSrc)
	}
	if k.VNI != 0 {
		fmt.Fprintf(&b, ":vni=%d/%s", k.VNI, k.RemoteMAC)
	}
	return b.String()
}

// NextHopGroupKey is the canonical, order-independent identity of an
// unordered multiset of NextHopKeys: permutation-equivalent groups produce
// the same serialization, so they deduplicate to one backend object.
type NextHopGroupKey struct {
	members []NextHopKey
}

// NewNextHopGroupKey builds a group key from members in any order; the key's
// serialization is stable regardless of the input order.
func NewNextHopGroupKey(members []NextHopKey) NextHopGroupKey {
	cp := make([]NextHopKey, len(members))
	copy(cp, members)
	sort.Slice(cp, func(i, j int) bool { return cp[i].String() < cp[j].String() })
	return NextHopGroupKey{members: cp}
}

// Members returns the group's members in canonical (sorted) order.
func (k NextHopGroupKey) Members() []NextHopKey {
	out := make([]NextHopKey, len(k.members))
	copy(out, k.members)
	return out
}

// Size returns the number of members, including IFDOWN ones (spec.md §3:
// IFDOWN members stay in the key so the route's identity is stable across
// port flaps).
func (k NextHopGroupKey) Size() int { return len(k.members) }

// ResolvableMembers returns members that are not flagged IFDOWN.
func (k NextHopGroupKey) ResolvableMembers() []NextHopKey {
	var out []NextHopKey
	for _, m := range k.members {
		if !m.IfDown {
			out = append(out, m)
		}
	}
	return out
}

// String returns the canonical serialization used as the map key in the
// NextHopGroup resource table.
func (k NextHopGroupKey) String() string {
	parts := make([]string, len(k.members))
	for i, m := range k.members {
		parts[i] = m.String()
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two group keys have the same member multiset,
// independent of the order either was constructed in.
func (k NextHopGroupKey) Equal(other NextHopGroupKey) bool {
	return k.String() == other.String()
}
