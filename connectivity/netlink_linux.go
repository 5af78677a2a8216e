//go:build linux

package connectivity

import (
	"context"
	"net"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// NetlinkSource listens on a netlink route socket for link and address
// changes and reprobes the interface table on every one. This is the
// platform signal source for Linux hosts.
type NetlinkSource struct {
	log zerolog.Logger
}

func NewNetlinkSource(log zerolog.Logger) *NetlinkSource {
	return &NetlinkSource{log: log}
}

func (s *NetlinkSource) Signals(ctx context.Context) (<-chan Signal, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	out := make(chan Signal, 16)

	// Closing the socket unblocks the reader when the context ends.
	go func() {
		<-ctx.Done()
		_ = unix.Close(fd)
	}()

	go func() {
		defer close(out)

		out <- probeInterfaces()

		buf := make([]byte, 8192)
		for {
			n, _, err := unix.Recvfrom(fd, buf, 0)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("netlink read failed; connectivity signals stopped")
				}
				return
			}
			if n <= 0 {
				continue
			}
			if _, err := syscall.ParseNetlinkMessage(buf[:n]); err != nil {
				continue
			}
			select {
			case out <- probeInterfaces():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// probeInterfaces classifies every up, non-loopback interface that holds at
// least one address.
func probeInterfaces() Signal {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Signal{}
	}
	var classes []Class
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		classes = append(classes, classifyInterfaceName(iface.Name))
	}
	return Signal{Reachable: len(classes) > 0, Classes: classes}
}
