package envoy

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestFirstV4(t *testing.T) {
	entries := make(chan *mdns.ServiceEntry, 3)
	entries <- &mdns.ServiceEntry{Name: "envoy._enphase-envoy._tcp.local."}
	entries <- &mdns.ServiceEntry{Name: "envoy._enphase-envoy._tcp.local.", AddrV4: net.IPv4(192, 168, 1, 40)}
	entries <- &mdns.ServiceEntry{Name: "other._enphase-envoy._tcp.local.", AddrV4: net.IPv4(192, 168, 1, 41)}
	close(entries)

	assert.Equal(t, "192.168.1.40", firstV4(entries), "should keep the first entry with an IPv4 address")
}

func TestFirstV4Empty(t *testing.T) {
	entries := make(chan *mdns.ServiceEntry)
	close(entries)

	assert.Equal(t, "", firstV4(entries), "no answers should yield no address")
}
