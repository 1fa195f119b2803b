package envoy

import (
	"errors"
	"time"

	"github.com/hashicorp/mdns"
)

// mdnsService is the service type an Envoy gateway announces on the local
// network.
const mdnsService = "_enphase-envoy._tcp"

const discoverTimeout = 5 * time.Second

// Discover browses the local network for an Envoy gateway and returns its
// IPv4 address. When multiple gateways answer, the first one wins.
func Discover(timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	go func() {
		found <- firstV4(entries)
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     mdnsService,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	addr := <-found
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", errors.New("no envoy gateway found on the network")
	}
	return addr, nil
}

func firstV4(entries <-chan *mdns.ServiceEntry) string {
	var addr string
	for entry := range entries {
		if addr == "" && entry.AddrV4 != nil {
			addr = entry.AddrV4.String()
		}
	}
	return addr
}
