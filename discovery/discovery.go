// Package discovery advertises canvas servers on the local network over
// mDNS and finds the ones already running.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_pixelwar._tcp"
	Domain  = "local."
)

// Peer is a server found on the network.
type Peer struct {
	Instance string
	Host     string
	Addrs    []string
	Port     int
	Text     []string
}

func (p Peer) String() string {
	addr := p.Host
	if len(p.Addrs) > 0 {
		addr = p.Addrs[0]
	}
	return fmt.Sprintf("%s at %s:%d", p.Instance, addr, p.Port)
}

// InstanceName returns "<prefix>-<hostname>", or prefix alone if the
// hostname is unknown.
func InstanceName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return prefix
	}
	return prefix + "-" + host
}

// Advertise registers the server and keeps it registered until ctx is
// done.
func Advertise(ctx context.Context, instance string, port int, txt []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mdns service registered", "instance", instance, "service", Service, "port", port)

	<-ctx.Done()
	server.Shutdown()
	logger.Info("mdns service withdrawn", "instance", instance)
	return nil
}

// Browse collects peers until ctx is done.
func Browse(ctx context.Context, logger *slog.Logger) ([]Peer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer)
	go func() {
		var peers []Peer
		for e := range entries {
			p := peerOf(e)
			logger.Debug("mdns peer discovered", "peer", p.String())
			peers = append(peers, p)
		}
		done <- peers
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	// the resolver closes entries once the browse context ends
	return <-done, nil
}

func peerOf(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     e.Text,
	}
	for _, ip := range e.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	return p
}
