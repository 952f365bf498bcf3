// Package hostid resolves a best-effort identifier for the machine
// or task the shipper is running on, for use in the object-tagging
// and pattern-substitution paths.
//
// Resolve() probes, in strict order: ECS task metadata, EC2 instance
// metadata, the OS hostname, and the first usable network interface
// address, falling back to the literal "<unknown>" if every source
// fails. Every network probe is capped at a hard timeout so a cold
// start never stalls waiting on metadata services that don't exist
// in the current environment.
package hostid

import (
	"context"
	"net"
	"os"
	"time"
)

// metadataTimeout bounds every individual HTTP probe below. It is
// local-network-only traffic (ECS/EC2 metadata endpoints), so 100ms
// is generous without being noticeable to an operator.
const metadataTimeout = 100 * time.Millisecond

const unknown = "<unknown>"

// Resolve returns the best available host identifier. It never
// returns an error; every probe failure is silent and moves on to
// the next source, per the design's "cold lookup, no hard failure"
// policy.
func Resolve(ctx context.Context) string {
	if id, ok := fromECS(ctx); ok {
		return id
	}
	if id, ok := fromEC2(ctx); ok {
		return id
	}
	if id, ok := fromHostname(); ok {
		return id
	}
	if id, ok := fromInterfaceAddr(); ok {
		return id
	}
	return unknown
}

func fromHostname() (string, bool) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// fromInterfaceAddr returns the first non-loopback, non-special
// IPv4 address, or failing that the first usable IPv6 address.
func fromInterfaceAddr() (string, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", false
	}
	var v6 string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip4 := ip.To4(); ip4 != nil {
			if isUsableIPv4(ip4) {
				return ip4.String(), true
			}
			continue
		}
		if v6 == "" && isUsableIPv6(ip) {
			v6 = ip.String()
		}
	}
	if v6 != "" {
		return v6, true
	}
	return "", false
}

func isUsableIPv4(ip net.IP) bool {
	return !ip.IsUnspecified() &&
		!ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsMulticast() &&
		!isBroadcast(ip)
}

func isUsableIPv6(ip net.IP) bool {
	return !ip.IsUnspecified() &&
		!ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsMulticast()
}

func isBroadcast(ip net.IP) bool {
	for _, b := range ip {
		if b != 0xff {
			return false
		}
	}
	return true
}
