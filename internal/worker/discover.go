package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

var errNoMasterFound = errors.New("no master found on the local network")

// discoverMaster browses for an advertised master and returns the address of
// its worker endpoint.
func discoverMaster(ctx context.Context, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	params := mdns.DefaultParams(protocol.MDNSService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- mdns.Query(params)
	}()

	for {
		select {
		case e := <-entries:
			if addr := entryAddr(e); addr != "" {
				return addr, nil
			}
		case err := <-errCh:
			if err != nil {
				return "", fmt.Errorf("mdns query: %w", err)
			}
			for {
				select {
				case e := <-entries:
					if addr := entryAddr(e); addr != "" {
						return addr, nil
					}
				default:
					return "", errNoMasterFound
				}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func entryAddr(e *mdns.ServiceEntry) string {
	if e == nil || e.Port <= 0 {
		return ""
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil {
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
}
