package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestPeerOf(t *testing.T) {
	e := zeroconf.NewServiceEntry("pixelwar-a", Service, Domain)
	e.HostName = "a.local."
	e.Port = 8080
	e.Text = []string{"width=200"}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	p := peerOf(e)
	assert.Equal(t, "pixelwar-a", p.Instance)
	assert.Equal(t, []string{"192.168.1.20", "fe80::1"}, p.Addrs)
	assert.Equal(t, "pixelwar-a at 192.168.1.20:8080", p.String())
}

func TestPeerStringWithoutAddrs(t *testing.T) {
	p := Peer{Instance: "x", Host: "x.local.", Port: 1}
	assert.Equal(t, "x at x.local.:1", p.String())
}

func TestInstanceName(t *testing.T) {
	name := InstanceName("pixelwar")
	assert.True(t, strings.HasPrefix(name, "pixelwar"))
}
