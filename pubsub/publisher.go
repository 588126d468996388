package pubsub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/iotedgekit/uabridge/opcua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoConnection is returned by Publish when the publisher's transport
// never came up. The publisher itself stays constructed so the caller can
// inspect its derived identifiers.
var ErrNoConnection = errors.New("publisher transport is not connected")

// Identifier spaces of the hashed connection and writer ids.
const (
	connectionIDSpace = 1 << 27
	writerIDSpace     = 1 << 15
)

// hashID derives a stable identifier from the publisher name. Ids survive
// restarts so subscribers can pin them; distinct names may collide within
// the space.
func hashID(name, suffix string, space uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name + suffix))
	return h.Sum32() % space
}

// DataSetField binds one published field name to a variable node of the
// publisher's server.
type DataSetField struct {
	Name string
	Node opcua.NodeID
}

// PublisherOption configures a Publisher at construction time.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	keyFrameCount uint64
	topic         string
	log           *logrus.Logger
}

// WithKeyFrameCount sets how often a full key frame interrupts the delta
// stream, default every 10 cycles.
func WithKeyFrameCount(n uint64) PublisherOption {
	return func(c *publisherConfig) {
		if n > 0 {
			c.keyFrameCount = n
		}
	}
}

// WithTopic sets the broker topic for the MQTT profiles.
func WithTopic(topic string) PublisherOption { return func(c *publisherConfig) { c.topic = topic } }

// WithPublisherLogger replaces the default logger.
func WithPublisherLogger(log *logrus.Logger) PublisherOption {
	return func(c *publisherConfig) { c.log = log }
}

// Publisher samples variable nodes of one server and pushes them through a
// transport as a periodic dataset stream. The identifier chain, connection
// through dataset writer, is derived deterministically from the publisher
// name.
//
// Field registration and Stop are safe from any goroutine; sampling runs on
// one internal goroutine.
type Publisher struct {
	srv       *opcua.Server
	name      string
	profile   TransportProfile
	transport Transport
	log       *logrus.Logger

	// ConnectionID, WriterGroupID and DataSetWriterID identify this
	// publisher's stream on the wire.
	ConnectionID    uint32
	DataSetID       uint32
	WriterGroupID   uint16
	DataSetWriterID uint16

	keyFrameCount uint64

	mu           sync.Mutex
	fields       []DataSetField
	last         []opcua.Variable
	sequence     uint16
	cycle        uint64
	groupVersion uint32
	running      bool
	stop         chan struct{}
	done         chan struct{}
}

// NewPublisher builds the publication chain of a server under the given
// name and opens the transport to address. A transport that cannot be
// opened leaves the publisher constructed but unconnected; Publish then
// fails with ErrNoConnection.
func NewPublisher(ctx context.Context, srv *opcua.Server, name, address string, profile TransportProfile, opts ...PublisherOption) (*Publisher, error) {
	if srv == nil {
		return nil, errors.New("new publisher: server is nil")
	}
	cfg := publisherConfig{
		keyFrameCount: 10,
		topic:         "uabridge/" + name,
		log:           logrus.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Publisher{
		srv:             srv,
		name:            name,
		profile:         profile,
		log:             cfg.log,
		ConnectionID:    hashID(name, "Connection", connectionIDSpace),
		DataSetID:       hashID(name, "PublishedDataSet", connectionIDSpace),
		WriterGroupID:   uint16(hashID(name, "WriterGroup", writerIDSpace)),
		DataSetWriterID: uint16(hashID(name, "DataSetWriter", writerIDSpace)),
		keyFrameCount:   cfg.keyFrameCount,
		groupVersion:    uint32(time.Now().Unix()),
	}
	transport, err := dialTransport(ctx, profile, address, cfg.topic, cfg.log)
	if err != nil {
		p.log.WithError(err).Errorf("publisher %q could not open %s transport to %q", name, profile, address)
		return p, nil
	}
	p.transport = transport
	return p, nil
}

// Connected reports whether the transport came up.
func (p *Publisher) Connected() bool { return p.transport != nil }

// Publish registers dataset fields and starts the periodic stream. Fields
// registered by an earlier call stay registered even when a later field of
// the same call is rejected; there is no rollback. The interval of the
// first successful call drives the stream.
func (p *Publisher) Publish(fields []DataSetField, interval time.Duration) error {
	if p.transport == nil {
		return errors.Wrapf(ErrNoConnection, "publisher %q", p.name)
	}
	if interval <= 0 {
		return errors.Errorf("publisher %q: interval must be positive", p.name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range fields {
		v, err := p.srv.Read(f.Node)
		if err != nil {
			return errors.Wrapf(err, "publisher %q: registering field %q", p.name, f.Name)
		}
		p.fields = append(p.fields, f)
		p.last = append(p.last, v)
	}
	metricDataSetFields.WithLabelValues(p.name).Set(float64(len(p.fields)))
	if !p.running {
		p.running = true
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		go p.loop(interval)
	}
	return nil
}

func (p *Publisher) loop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publishCycle()
		}
	}
}

// publishCycle samples every field, builds a key frame on each
// keyFrameCount-th cycle and a delta frame of changed fields otherwise,
// then sends it. A delta with no changes is skipped.
func (p *Publisher) publishCycle() {
	p.mu.Lock()
	f := &frame{
		publisherID:   p.ConnectionID,
		writerGroupID: p.WriterGroupID,
		writerID:      p.DataSetWriterID,
		groupVersion:  p.groupVersion,
		keyFrame:      p.cycle%p.keyFrameCount == 0,
	}
	for i, field := range p.fields {
		v, err := p.srv.Read(field.Node)
		if err != nil {
			v = p.last[i]
		}
		changed := !v.Equal(p.last[i])
		p.last[i] = v
		if f.keyFrame || changed {
			f.indexes = append(f.indexes, uint16(i))
			f.names = append(f.names, field.Name)
			f.values = append(f.values, v)
		}
	}
	p.cycle++
	if len(f.values) == 0 && !f.keyFrame {
		p.mu.Unlock()
		return
	}
	p.sequence++
	f.sequence = p.sequence
	p.mu.Unlock()

	var payload []byte
	var err error
	if p.profile.binary() {
		payload, err = f.encodeBinary()
	} else {
		payload, err = f.encodeJSON()
	}
	if err != nil {
		p.log.WithError(err).Errorf("publisher %q: encoding cycle failed", p.name)
		metricSendErrors.WithLabelValues(p.name).Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.transport.Send(ctx, payload); err != nil {
		p.log.WithError(err).Errorf("publisher %q: send failed", p.name)
		metricSendErrors.WithLabelValues(p.name).Inc()
		return
	}
	kind := "delta"
	if f.keyFrame {
		kind = "key"
	}
	metricMessagesSent.WithLabelValues(p.name, kind).Inc()
}

// Stop halts the stream and closes the transport. Stop on a never-started
// or unconnected publisher is a no-op.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()
	if running {
		close(p.stop)
		<-p.done
	}
	if p.transport == nil {
		return nil
	}
	return p.transport.Close(ctx)
}
