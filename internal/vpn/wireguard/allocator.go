package wireguard

import (
	"errors"
	"fmt"
	"net/netip"
)

// Allocator выбирает следующий свободный адрес в подсети.
//
// Состояния нет: снимок занятых адресов передаёт вызывающий, он же и
// сохраняет решение. Всегда берётся наименьший свободный адрес начиная с
// floor, так что дыры от отозванных пиров переиспользуются.
type Allocator struct {
	subnet netip.Prefix
	server netip.Addr
	floor  netip.Addr
	first  netip.Addr // первый host-адрес подсети
	last   netip.Addr // последний host-адрес подсети
}

// NewAllocator принимает только IPv4.
func NewAllocator(subnet, serverIP, startIP string) (*Allocator, error) {
	p, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet: %w", err)
	}
	p = p.Masked()
	if !p.Addr().Is4() {
		return nil, errors.New("only IPv4 subnets are supported")
	}
	srv, err := netip.ParseAddr(serverIP)
	if err != nil {
		return nil, fmt.Errorf("parse server ip: %w", err)
	}
	floor, err := netip.ParseAddr(startIP)
	if err != nil {
		return nil, fmt.Errorf("parse client start ip: %w", err)
	}
	if !p.Contains(srv) {
		return nil, fmt.Errorf("server ip %s is outside %s", srv, p)
	}
	if !p.Contains(floor) {
		return nil, fmt.Errorf("client start ip %s is outside %s", floor, p)
	}

	first, last := hostRange(p)
	return &Allocator{subnet: p, server: srv, floor: floor, first: first, last: last}, nil
}

// hostRange повторяет семантику ipaddress.hosts(): без network/broadcast,
// кроме /31 и /32, где хостами считаются все адреса.
func hostRange(p netip.Prefix) (netip.Addr, netip.Addr) {
	first := p.Addr()
	last := lastAddr(p)
	if p.Bits() < 31 {
		first = first.Next()
		last = last.Prev()
	}
	return first, last
}

func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	hostBits := 32 - p.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	if hostBits > 0 {
		v |= uint32(1)<<hostBits - 1
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func (a *Allocator) Subnet() netip.Prefix { return a.subnet }
func (a *Allocator) ServerIP() netip.Addr { return a.server }

// start — наибольший из floor и первого host-адреса.
func (a *Allocator) start() netip.Addr {
	if a.floor.Less(a.first) {
		return a.first
	}
	return a.floor
}

func (a *Allocator) eligible(ip netip.Addr) bool {
	return ip.Is4() && ip != a.server && !ip.Less(a.start()) && !a.last.Less(ip)
}

// Next возвращает наименьший свободный адрес; false — подсеть исчерпана.
func (a *Allocator) Next(existing []netip.Addr) (netip.Addr, bool) {
	taken := make(map[netip.Addr]struct{}, len(existing))
	for _, ip := range existing {
		taken[ip.Unmap()] = struct{}{}
	}
	for ip := a.start(); ip.IsValid() && !a.last.Less(ip); ip = ip.Next() {
		if ip == a.server {
			continue
		}
		if _, ok := taken[ip]; !ok {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// Available — сколько адресов ещё можно выдать при данном снимке, не меньше нуля.
// Для стандартной раскладки (floor сразу за сервером) это hosts − 1 − active.
func (a *Allocator) Available(existing []netip.Addr) int {
	total := a.eligibleCount()
	seen := make(map[netip.Addr]struct{}, len(existing))
	for _, ip := range existing {
		ip = ip.Unmap()
		if _, dup := seen[ip]; dup || !a.eligible(ip) {
			continue
		}
		seen[ip] = struct{}{}
		total--
	}
	if total < 0 {
		return 0
	}
	return total
}

func (a *Allocator) eligibleCount() int {
	s, l := a.start(), a.last
	if l.Less(s) {
		return 0
	}
	n := int(toUint32(l) - toUint32(s) + 1)
	if !a.server.Less(s) && !l.Less(a.server) {
		n--
	}
	return n
}

func toUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Contains — адрес внутри подсети.
func (a *Allocator) Contains(ip netip.Addr) bool { return a.subnet.Contains(ip) }

// Prefix — адрес с маской подсети, для строки Address клиентского конфига.
func (a *Allocator) Prefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, a.subnet.Bits())
}

// HostPrefix — /32 для AllowedIPs пира на стороне демона.
func HostPrefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, ip.BitLen())
}
