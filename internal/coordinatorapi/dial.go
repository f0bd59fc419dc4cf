package coordinatorapi

import (
	"context"
	"net"
	"time"
)

// netDialer applies an explicit connect timeout to every outbound
// dial, distinct from the overall per-call timeout on http.Client.
type netDialer struct {
	timeout time.Duration
}

func (d *netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, network, addr)
}
