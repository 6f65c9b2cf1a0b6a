// Package wsstream adapts a gorilla/websocket connection into the plain
// io.Reader/io.Writer/io.Closer shape rpccore.Stream expects, so a
// jsonrpc.Driver or dap.Client can run its framing and pump machinery over
// a WebSocket transport exactly as it would over a pipe or TCP socket
// (§4.1 "transport independence").
package wsstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relaykit/internal/otel"
)

// SafeDialer restricts outbound WebSocket dials to non-private,
// non-link-local addresses unless explicitly allow-listed, the same SSRF
// defense the teacher's HTTP transport applies to its own outbound calls.
// It is passed as the gorilla dialer's NetDialContext.
type SafeDialer struct {
	dialer               *net.Dialer
	allowPrivateNetworks []string
	blockedIPv4Ranges    []*net.IPNet
	blockedIPv6Ranges    []*net.IPNet
}

// NewSafeDialer builds a SafeDialer. allowPrivateNetworks is a list of CIDR
// exceptions (e.g. for connecting to a mock server on the loopback address
// during local development).
func NewSafeDialer(timeout time.Duration, allowPrivateNetworks []string) *SafeDialer {
	d := &SafeDialer{
		dialer:               &net.Dialer{Timeout: timeout},
		allowPrivateNetworks: allowPrivateNetworks,
	}

	for _, cidr := range []string{
		"127.0.0.0/8",
		"169.254.0.0/16",
		"169.254.169.254/32",
		"192.0.0.0/24",
		"0.0.0.0/8",
	} {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			d.blockedIPv4Ranges = append(d.blockedIPv4Ranges, ipnet)
		}
	}
	for _, cidr := range []string{
		"::1/128",
		"::/128",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
		"::ffff:0:0/96",
	} {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			d.blockedIPv6Ranges = append(d.blockedIPv6Ranges, ipnet)
		}
	}
	return d
}

// DialContext resolves address, rejects it if it lands on a blocked range,
// and dials the first non-blocked resolved IP.
func (d *SafeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}

	for _, ip := range ips {
		if d.isIPBlocked(ip) {
			return nil, fmt.Errorf("connection to blocked ip address %s is not allowed", ip.String())
		}
	}

	return d.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

func (d *SafeDialer) isIPBlocked(ip net.IP) bool {
	if d.isPrivateNetworkAllowed(ip) {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		for _, blocked := range d.blockedIPv4Ranges {
			if blocked.Contains(ip4) {
				return true
			}
		}
		for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil && ipnet.Contains(ip4) {
				return true
			}
		}
		return false
	}

	for _, blocked := range d.blockedIPv6Ranges {
		if blocked.Contains(ip) {
			return true
		}
	}
	return false
}

func (d *SafeDialer) isPrivateNetworkAllowed(ip net.IP) bool {
	for _, cidrStr := range d.allowPrivateNetworks {
		if _, cidr, err := net.ParseCIDR(cidrStr); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Conn adapts a *websocket.Conn to the plain io.Reader/io.Writer/io.Closer
// shape framing.Reader/Writer expect. WriteFrame issues more than one Write
// call per frame (header then body, or payload then delimiter), so Conn
// makes no attempt to align WebSocket message boundaries with protocol
// frame boundaries: Write sends each call's bytes as their own message, and
// Read treats the message stream as a plain byte stream, buffering any
// leftover bytes for the next call. bufio.Reader on the far side of
// framing.Reader reassembles frames correctly regardless of how many
// messages they were split across.
type Conn struct {
	ws  *websocket.Conn
	buf []byte
}

// Dial opens a client WebSocket connection to url using dialer as the
// underlying net dialer (typically a *SafeDialer). If tracer is non-nil and
// enabled, the current trace context is injected into the handshake
// request's headers so the far side can continue the same trace (§10.5
// "domain stack wiring").
func Dial(ctx context.Context, url string, dialer *SafeDialer, tracer *otel.Tracer) (*Conn, error) {
	d := websocket.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	otel.InjectHeaders(ctx, header, tracer)

	ws, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Upgrade promotes an inbound HTTP request to a server-side WebSocket
// connection. If tracer is non-nil and enabled, any W3C trace context
// carried by the upgrade request's headers is extracted and returned
// alongside the connection so the caller can continue the trace.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, tracer *otel.Tracer) (*Conn, context.Context, error) {
	ctx := otel.ExtractContext(r.Context(), r.Header, tracer)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, ctx, fmt.Errorf("websocket upgrade: %w", err)
	}
	return &Conn{ws: ws}, ctx, nil
}

// Read implements io.Reader by draining one WebSocket text/binary message
// at a time into p, buffering any remainder for the next call.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Write implements io.Writer by sending p as a single WebSocket text
// message. A protocol frame may span several such messages, since
// framing.Writer calls Write more than once per frame (see Conn).
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
