package session

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/nugget/occupancyd/internal/liveness"
)

// dialBroker opens the TCP transport to the broker. The URL scheme must
// be mqtt:// or tcp://; a missing port defaults to 1883. The returned
// connection reports read activity to tracker.
func dialBroker(ctx context.Context, rawURL string, tracker *liveness.Tracker) (net.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("broker URL %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "1883"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return &activityConn{Conn: conn, tracker: tracker}, nil
}

// activityConn stamps the liveness tracker on every successful read.
// Any broker traffic counts as session activity, including keepalive
// responses, so a healthy but quiet sensor never looks stale.
type activityConn struct {
	net.Conn
	tracker *liveness.Tracker
}

func (c *activityConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.tracker.Touch()
	}
	return n, err
}
