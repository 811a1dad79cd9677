package network

import (
	"context"
	"fmt"
	"io"
	"net"
)

var httpErrorProxyingTunnel = []byte("HTTP/1.1 500\r\nContent-Length: 28\r\n\r\nError: Error proxying tunnel")

// ProxyTo duplex-copies the public socket to the owning instance's public
// port. No framing is added; the peer re-runs host routing on the bytes.
func (s *Service) ProxyTo(ctx context.Context, ip net.IP, conn net.Conn) error {
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", s.remotePort))

	var dialer net.Dialer
	instance, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.logger.Error().Err(err).Str("instance", addr).Msg("error connecting to instance")
		_, _ = conn.Write(httpErrorProxyingTunnel)
		return fmt.Errorf("failed to dial instance %s: %w", addr, err)
	}
	defer instance.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(instance, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, instance)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
