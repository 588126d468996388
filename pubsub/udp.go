package pubsub

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// udpTransport writes one datagram per network message. The destination
// may be a multicast group.
type udpTransport struct {
	conn *net.UDPConn
}

// dialUDP accepts opc.udp://host:port and plain host:port addresses.
func dialUDP(address string) (*udpTransport, error) {
	hostport := address
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing address %q", address)
		}
		hostport = u.Host
	}
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", hostport)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %q", hostport)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) Send(_ context.Context, payload []byte) error {
	if _, err := t.conn.Write(payload); err != nil {
		return errors.Wrap(err, "sending datagram")
	}
	return nil
}

func (t *udpTransport) Close(context.Context) error {
	return t.conn.Close()
}
