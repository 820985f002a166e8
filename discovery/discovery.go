// Package discovery announces a running mesh gateway over mDNS/DNS-SD, using
// the pure-Go github.com/brutella/dnssd package, so a client on the local
// network can find a gateway without typing in an IP and port.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type a gomesh-gateway announces itself
// under.
const ServiceType = "_gomesh-gw._tcp"

// Announce registers name (falling back to a hostname-derived default if
// empty) as a gomesh gateway listening on port, and starts responding to
// mDNS queries in the background until ctx is canceled.
func Announce(ctx context.Context, logger *log.Logger, name string, port int) error {
	if name == "" {
		name = defaultServiceName()
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("discovery: creating service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: creating responder: %w", err)
	}

	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("discovery: adding service: %w", err)
	}

	logger.Info("discovery: announcing gomesh gateway", "name", name, "port", port, "type", ServiceType)

	go func() {
		if err := rp.Respond(ctx); err != nil {
			logger.Error("discovery: responder stopped", "err", err)
		}
	}()
	return nil
}

func defaultServiceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gomesh-gateway"
	}
	return fmt.Sprintf("gomesh-gateway-%s", host)
}
