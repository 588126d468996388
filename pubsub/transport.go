// Package pubsub publishes periodic snapshots of server variables as
// broker-less datagram or broker-based messages. A Publisher samples its
// registered dataset fields on a fixed interval and pushes encoded network
// messages through a Transport.
package pubsub

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TransportProfile selects the wire and encoding of a publisher connection.
type TransportProfile uint8

const (
	// ProfileUDPUADP sends binary frames as UDP datagrams.
	ProfileUDPUADP TransportProfile = iota
	// ProfileMQTTUADP sends binary frames to an MQTT broker.
	ProfileMQTTUADP
	// ProfileMQTTJSON sends JSON frames to an MQTT broker.
	ProfileMQTTJSON
)

func (p TransportProfile) String() string {
	switch p {
	case ProfileUDPUADP:
		return "udp-uadp"
	case ProfileMQTTUADP:
		return "mqtt-uadp"
	case ProfileMQTTJSON:
		return "mqtt-json"
	}
	return "unknown"
}

// binary reports whether the profile carries binary frames.
func (p TransportProfile) binary() bool { return p != ProfileMQTTJSON }

// Transport delivers one encoded network message to the wire. Send may
// block on I/O; implementations are safe for use from the publisher loop
// goroutine only.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close(ctx context.Context) error
}

// dialTransport opens the transport matching the profile. address carries
// the scheme of the wire, opc.udp:// for datagrams and mqtt:// or tcp://
// for brokers.
func dialTransport(ctx context.Context, profile TransportProfile, address, topic string, log *logrus.Logger) (Transport, error) {
	switch profile {
	case ProfileUDPUADP:
		return dialUDP(address)
	case ProfileMQTTUADP, ProfileMQTTJSON:
		return dialMQTT(ctx, address, topic, log)
	}
	return nil, errors.Errorf("unsupported transport profile %d", profile)
}
