package pubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/iotedgekit/uabridge/opcua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIDsAreDeterministic(t *testing.T) {
	a := hashID("Plant", "Connection", connectionIDSpace)
	b := hashID("Plant", "Connection", connectionIDSpace)
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(connectionIDSpace))

	w := hashID("Plant", "WriterGroup", writerIDSpace)
	assert.Less(t, w, uint32(writerIDSpace))

	assert.NotEqual(t, a, hashID("Plant", "PublishedDataSet", connectionIDSpace))
	assert.NotEqual(t, a, hashID("OtherPlant", "Connection", connectionIDSpace))
}

func TestNewPublisherRequiresServer(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, "p", "opc.udp://127.0.0.1:14840", ProfileUDPUADP)
	assert.Error(t, err)
}

func newTestServer(t *testing.T) *opcua.Server {
	t.Helper()
	srv, err := opcua.NewServer(48700,
		opcua.WithHost("localhost"),
		opcua.WithPKIDir(t.TempDir()),
	)
	require.NoError(t, err)
	return srv
}

func TestPublishWithoutConnection(t *testing.T) {
	srv := newTestServer(t)

	// unparseable address leaves the publisher unconnected
	p, err := NewPublisher(context.Background(), srv, "Broken", "opc.udp://[bad", ProfileUDPUADP)
	require.NoError(t, err)
	assert.False(t, p.Connected())

	err = p.Publish([]DataSetField{{Name: "x"}}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPublishRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t)
	v := opcua.MustVariable(1.0)
	v.BrowseName = "Known"
	known, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	_, addr := listenUDP(t)
	p, err := NewPublisher(context.Background(), srv, "Partial", "opc.udp://"+addr, ProfileUDPUADP)
	require.NoError(t, err)
	require.True(t, p.Connected())
	defer p.Stop(context.Background())

	fields := []DataSetField{
		{Name: "Known", Node: known},
		{Name: "Ghost", Node: opcua.Resolve(known, srv.Find("Missing"))},
	}
	err = p.Publish(fields, time.Hour)
	assert.Error(t, err)

	// the field registered before the failure stays registered
	p.mu.Lock()
	registered := len(p.fields)
	p.mu.Unlock()
	assert.Equal(t, 1, registered)
}

// listenUDP binds an ephemeral loopback socket and returns it with its
// address.
func listenUDP(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().String()
}

func readFrame(t *testing.T, conn *net.UDPConn, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestPublishStreamsKeyAndDeltaFrames(t *testing.T) {
	srv := newTestServer(t)
	v := opcua.MustVariable(20.0)
	v.BrowseName = "Temperature"
	node, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	conn, addr := listenUDP(t)
	p, err := NewPublisher(context.Background(), srv, "Stream", "opc.udp://"+addr, ProfileUDPUADP,
		WithKeyFrameCount(3),
	)
	require.NoError(t, err)
	require.True(t, p.Connected())
	defer p.Stop(context.Background())

	err = p.Publish([]DataSetField{{Name: "Temperature", Node: node}}, 30*time.Millisecond)
	require.NoError(t, err)

	// first cycle is a key frame; dataset flags sit behind the fixed
	// network message and payload headers
	const dsFlagsOffset = 18
	payload := readFrame(t, conn, 5*time.Second)
	require.Greater(t, len(payload), dsFlagsOffset)
	assert.Equal(t, headerFlags, payload[0])
	assert.NotZero(t, payload[dsFlagsOffset]&dsFlagKeyFrame)

	// changed values show up as delta frames between key frames
	go func() {
		for i := 0; i < 100; i++ {
			srv.Write(node, opcua.MustVariable(21.5+float64(i)))
			time.Sleep(20 * time.Millisecond)
		}
	}()
	sawDelta := false
	for i := 0; i < 5 && !sawDelta; i++ {
		payload = readFrame(t, conn, 5*time.Second)
		sawDelta = payload[dsFlagsOffset]&dsFlagKeyFrame == 0
	}
	assert.True(t, sawDelta, "no delta frame observed")
}

func TestFrameEncodeBinaryLayout(t *testing.T) {
	f := &frame{
		publisherID:   0x01020304,
		writerGroupID: 0x1122,
		writerID:      0x3344,
		groupVersion:  7,
		sequence:      2,
		keyFrame:      true,
		names:         []string{"n"},
		values:        []opcua.Variable{opcua.MustVariable(uint16(513))},
	}
	b, err := f.encodeBinary()
	require.NoError(t, err)
	assert.Equal(t, headerFlags, b[0])
	// publisher id, little endian
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[1:5])
	// writer group id
	assert.Equal(t, []byte{0x22, 0x11}, b[5:7])
	// payload header: one message for writer 0x3344
	assert.Equal(t, byte(1), b[15])
	assert.Equal(t, []byte{0x44, 0x33}, b[16:18])
	// dataset flags mark a valid key frame
	assert.NotZero(t, b[18]&dsFlagKeyFrame)
	assert.NotZero(t, b[18]&dsFlagValid)
}

func TestFrameEncodeJSON(t *testing.T) {
	f := &frame{
		publisherID: 9,
		writerID:    4,
		sequence:    1,
		keyFrame:    false,
		names:       []string{"Temperature"},
		values:      []opcua.Variable{opcua.MustVariable(20.5)},
		indexes:     []uint16{0},
	}
	b, err := f.encodeJSON()
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"messageType":"ua-deltaframe"`)
	assert.Contains(t, s, `"Temperature":20.5`)
	assert.Contains(t, s, `"publisherId":9`)
}
