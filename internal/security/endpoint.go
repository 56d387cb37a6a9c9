package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks a URL the service must never call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

const resolveTimeout = 3 * time.Second

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Shared address space (RFC 6598) is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// lookupHost is replaced in tests.
var lookupHost = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ValidateEndpointURL checks that a user-supplied URL is safe to POST to
// from the server. The literal host and every resolved address must be
// public unicast.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("URL scheme must be http or https")
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) || strings.HasSuffix(strings.ToLower(host), ".localhost") {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := lookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("cannot resolve URL host %q", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	case addr.IsMulticast():
		return fmt.Errorf("%w: multicast address", ErrBlockedEndpoint)
	}
	return nil
}
