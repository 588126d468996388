package pubsub

import (
	"context"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// mqttTransport publishes network messages to one broker topic at QoS 0.
type mqttTransport struct {
	cm    *autopaho.ConnectionManager
	topic string
	log   *logrus.Logger
}

func dialMQTT(ctx context.Context, address, topic string, log *logrus.Logger) (*mqttTransport, error) {
	srvURL, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing broker URL %q", address)
	}
	cliCfg := autopaho.ClientConfig{
		BrokerUrls:        []*url.URL{srvURL},
		KeepAlive:         30,
		ConnectRetryDelay: 5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, c *paho.Connack) {
			log.Infof("MQTT connection up, publishing to %q", topic)
		},
		OnConnectError: func(err error) {
			log.WithError(err).Error("MQTT connection attempt failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "uabridge-publisher",
			OnClientError: func(err error) {
				log.WithError(err).Error("MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Errorf("MQTT server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Errorf("MQTT server requested disconnect, reason code %d", d.ReasonCode)
				}
			},
		},
	}
	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return nil, errors.Wrap(err, "starting MQTT connection")
	}
	waitCtx, cancel := context.WithTimeout(ctx, cliCfg.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		cm.Disconnect(ctx)
		return nil, errors.Wrapf(err, "connecting to broker %q", address)
	}
	return &mqttTransport{cm: cm, topic: topic, log: log}, nil
}

func (t *mqttTransport) Send(ctx context.Context, payload []byte) error {
	_, err := t.cm.Publish(ctx, &paho.Publish{
		QoS:     0,
		Topic:   t.topic,
		Payload: payload,
	})
	if err != nil {
		return errors.Wrapf(err, "publishing to %q", t.topic)
	}
	return nil
}

func (t *mqttTransport) Close(ctx context.Context) error {
	return t.cm.Disconnect(ctx)
}
