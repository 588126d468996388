package opcua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoopback serves a fresh address space on localhost and tears it down
// with the test.
func startLoopback(t *testing.T, port uint16) *Server {
	t.Helper()
	srv, err := NewServer(port,
		WithHost("localhost"),
		WithPKIDir(t.TempDir()),
	)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() {
		srv.Stop()
		srv.Join()
	})
	return srv
}

// dialLoopback retries the dial until the listener is up.
func dialLoopback(t *testing.T, srv *Server, opts ...ClientOption) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var cli *Client
	var err error
	for {
		cli, err = Dial(ctx, srv.EndpointURL(), opts...)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("dialing %s: %s", srv.EndpointURL(), err)
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer closeCancel()
		cli.Close(closeCtx)
	})
	return cli
}

func TestClientReadWrite(t *testing.T) {
	srv := startLoopback(t, 48611)
	v := MustVariable(int32(7))
	v.BrowseName = "Counter"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	got, err := cli.Read(ctx, id)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))

	next := MustVariable(int32(8))
	require.NoError(t, cli.Write(ctx, id, next))
	got, err = cli.Read(ctx, id)
	require.NoError(t, err)
	assert.True(t, next.Equal(got))

	_, err = cli.Read(ctx, nodeIDFor(1, "", "DoesNotExist"))
	assert.Error(t, err)
}

func TestClientResolveOverNetwork(t *testing.T) {
	srv := startLoopback(t, 48612)
	device := Object{BrowseName: "Device"}
	speed := MustVariable(11.0)
	speed.BrowseName = "Speed"
	device.AddVariable(speed)
	_, err := srv.AddObjectNode(device)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)

	local := Resolve(NodeObjectsFolder, srv.Find("Device"), srv.Find("Speed"))
	remote := Resolve(NodeObjectsFolder, cli.Find("Device"), cli.Find("Speed"))
	require.False(t, IsNilNode(remote))
	assert.Equal(t, local, remote)

	missing := Resolve(NodeObjectsFolder, cli.Find("NoSuchDevice"), cli.Find("Speed"))
	assert.True(t, IsNilNode(missing))
}

func TestClientMonitorDataChange(t *testing.T) {
	srv := startLoopback(t, 48613)
	v := MustVariable(0.0)
	v.BrowseName = "Signal"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	values := make(chan Variable, 64)
	require.NoError(t, cli.Monitor(ctx, id, func(v Variable) {
		values <- v
	}))

	// one callback per node
	err = cli.Monitor(ctx, id, func(Variable) {})
	assert.ErrorIs(t, err, ErrAlreadyMonitored)

	target := MustVariable(42.5)
	require.NoError(t, srv.Write(id, target))

	spinCtx, stopSpin := context.WithCancel(ctx)
	defer stopSpin()
	go func() {
		for spinCtx.Err() == nil {
			cli.SpinOnce(spinCtx)
		}
	}()

	deadline := time.After(15 * time.Second)
	seen := false
	for !seen {
		select {
		case got := <-values:
			if got.Equal(target) {
				seen = true
			}
		case <-deadline:
			t.Fatal("monitored value never arrived")
		}
	}

	// removal is terminal and frees the node for a new registration
	require.NoError(t, cli.Remove(ctx, id))
	assert.ErrorIs(t, cli.Remove(ctx, id), ErrNotMonitored)
	require.NoError(t, cli.Monitor(ctx, id, func(Variable) {}))
}

func TestClientCallMethod(t *testing.T) {
	srv := startLoopback(t, 48614)
	device := Object{BrowseName: "Calc"}
	deviceID, err := srv.AddObjectNode(device)
	require.NoError(t, err)
	m := Method{
		BrowseName: "Add",
		IArgs: []Argument{
			{Name: "a", Type: TypeInt32},
			{Name: "b", Type: TypeInt32},
		},
		OArgs: []Argument{{Name: "sum", Type: TypeInt32}},
		Func: func(ctx context.Context, inputs []Variable) ([]Variable, error) {
			a := MustCast[int32](inputs[0])
			b := MustCast[int32](inputs[1])
			return []Variable{MustVariable(a + b)}, nil
		},
	}
	_, err = srv.AddMethodNode(m, deviceID)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	outputs, err := cli.CallInObjectsFolder(ctx, "Calc", "Add",
		[]Variable{MustVariable(int32(2)), MustVariable(int32(40))})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, int32(42), MustCast[int32](outputs[0]))

	// wrong input type is rejected by the dispatcher
	_, err = cli.CallInObjectsFolder(ctx, "Calc", "Add",
		[]Variable{MustVariable("2"), MustVariable(int32(40))})
	assert.Error(t, err)

	_, err = cli.CallInObjectsFolder(ctx, "Calc", "Sub", nil)
	assert.Error(t, err)

	outputs, err = cli.CallNamed(ctx, deviceID, "Add",
		[]Variable{MustVariable(int32(3)), MustVariable(int32(4))})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, int32(7), MustCast[int32](outputs[0]))

	_, err = cli.CallNamed(ctx, deviceID, "Sub", nil)
	assert.Error(t, err)
}

func TestClientMonitorQueueOverwrite(t *testing.T) {
	srv := startLoopback(t, 48616)
	v := MustVariable(int32(0))
	v.BrowseName = "Counter"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	values := make(chan Variable, 64)
	require.NoError(t, cli.Monitor(ctx, id, func(v Variable) {
		values <- v
	}, 1))

	// both writes land before the first publish exchange; a queue depth of
	// one keeps only the newest sample
	require.NoError(t, srv.Write(id, MustVariable(int32(1))))
	fresh := MustVariable(int32(2))
	require.NoError(t, srv.Write(id, fresh))

	spinCtx, stopSpin := context.WithCancel(ctx)
	defer stopSpin()
	go func() {
		for spinCtx.Err() == nil {
			cli.SpinOnce(spinCtx)
		}
	}()

	select {
	case got := <-values:
		assert.True(t, got.Equal(fresh))
	case <-time.After(15 * time.Second):
		t.Fatal("monitored value never arrived")
	}
}

func TestClientMonitorEvent(t *testing.T) {
	srv := startLoopback(t, 48615)
	var etype EventType
	etype.BrowseName = "PositionEvent"
	etype.AddProperty("x", 0)
	etype.AddProperty("y", 0)
	_, err := srv.AddEventTypeNode(etype)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	events := make(chan []Variable, 16)
	require.NoError(t, cli.MonitorEvent(ctx, NodeServer, []string{"x", "y"}, func(fields []Variable) {
		events <- fields
	}))

	evt := EventFrom(etype)
	evt.SourceName = "tracker"
	evt.Message = "fix"
	evt.Severity = 50
	require.NoError(t, evt.Set("x", 320))
	require.NoError(t, evt.Set("y", 240))

	fire := time.NewTicker(500 * time.Millisecond)
	defer fire.Stop()
	go func() {
		for range fire.C {
			srv.TriggerEvent(NodeServer, evt)
		}
	}()

	spinCtx, stopSpin := context.WithCancel(ctx)
	defer stopSpin()
	go func() {
		for spinCtx.Err() == nil {
			cli.SpinOnce(spinCtx)
		}
	}()

	deadline := time.After(15 * time.Second)
	for {
		select {
		case fields := <-events:
			require.Len(t, fields, StandardEventFieldCount+2)
			assert.Equal(t, int32(320), MustCast[int32](fields[StandardEventFieldCount]))
			assert.Equal(t, int32(240), MustCast[int32](fields[StandardEventFieldCount+1]))
			return
		case <-deadline:
			t.Fatal("event never arrived")
		}
	}
}

func TestWriteStatusEmptyResults(t *testing.T) {
	id := nodeIDFor(1, "", "Signal")
	assert.Error(t, writeStatus(id, nil))
	assert.Error(t, writeStatus(id, []ua.StatusCode{ua.BadNodeIDUnknown}))
	assert.NoError(t, writeStatus(id, []ua.StatusCode{ua.Good}))
}

func TestServerValueCallback(t *testing.T) {
	srv := startLoopback(t, 48617)
	v := MustVariable(1.5)
	v.BrowseName = "Observed"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	var mu sync.Mutex
	var reads, writes int
	var lastWrite Variable
	require.NoError(t, srv.AddVariableNodeValueCallback(id,
		func(Variable) {
			mu.Lock()
			reads++
			mu.Unlock()
		},
		func(v Variable) {
			mu.Lock()
			writes++
			lastWrite = v
			mu.Unlock()
		},
	))
	assert.Error(t, srv.AddVariableNodeValueCallback(nodeIDFor(1, "", "DoesNotExist"), nil, nil))

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	got, err := cli.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.5, MustCast[float64](got))

	target := MustVariable(2.5)
	require.NoError(t, cli.Write(ctx, id, target))

	mu.Lock()
	assert.GreaterOrEqual(t, reads, 1)
	assert.Equal(t, 1, writes)
	assert.True(t, lastWrite.Equal(target))
	mu.Unlock()

	after, err := srv.Read(id)
	require.NoError(t, err)
	assert.True(t, after.Equal(target))
}

func TestServerDataSourceVariable(t *testing.T) {
	srv := startLoopback(t, 48618)

	var mu sync.Mutex
	backing := 20.0
	v := MustVariable(0.0)
	v.BrowseName = "Ambient"
	id, err := srv.AddDataSourceVariableNode(v,
		func() Variable {
			mu.Lock()
			defer mu.Unlock()
			return MustVariable(backing)
		},
		func(in Variable) error {
			val, err := Cast[float64](in)
			if err != nil {
				return err
			}
			if val > 100 {
				return errors.New("out of range")
			}
			mu.Lock()
			backing = val
			mu.Unlock()
			return nil
		},
	)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	got, err := cli.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 20.0, MustCast[float64](got))

	require.NoError(t, cli.Write(ctx, id, MustVariable(21.5)))
	mu.Lock()
	assert.Equal(t, 21.5, backing)
	mu.Unlock()

	// a rejected write surfaces as a bad status and leaves the source alone
	assert.Error(t, cli.Write(ctx, id, MustVariable(500.0)))
	mu.Lock()
	assert.Equal(t, 21.5, backing)
	mu.Unlock()
}

func TestSpinOnceRequeuesAcksOnPublishFailure(t *testing.T) {
	srv := startLoopback(t, 48619)
	v := MustVariable(0.0)
	v.BrowseName = "Signal"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()
	require.NoError(t, cli.Monitor(ctx, id, func(Variable) {}))

	pending := ua.SubscriptionAcknowledgement{SubscriptionID: cli.subID, SequenceNumber: 7}
	cli.mu.Lock()
	cli.acks = append(cli.acks, pending)
	cli.mu.Unlock()

	require.NoError(t, cli.ch.Abort(ctx))
	require.Error(t, cli.SpinOnce(ctx))

	cli.mu.Lock()
	assert.Contains(t, cli.acks, pending)
	cli.mu.Unlock()
}

func TestRemoveFromInsideCallback(t *testing.T) {
	srv := startLoopback(t, 48620)
	v := MustVariable(0.0)
	v.BrowseName = "Signal"
	id, err := srv.AddVariableNode(v)
	require.NoError(t, err)

	cli := dialLoopback(t, srv)
	ctx := context.Background()

	removed := make(chan error, 1)
	require.NoError(t, cli.Monitor(ctx, id, func(Variable) {
		select {
		case removed <- cli.Remove(ctx, id):
		default:
		}
	}))
	require.NoError(t, srv.Write(id, MustVariable(42.0)))

	spinCtx, stopSpin := context.WithCancel(ctx)
	defer stopSpin()
	go func() {
		for spinCtx.Err() == nil {
			cli.SpinOnce(spinCtx)
		}
	}()

	select {
	case err := <-removed:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("callback never fired")
	}

	cli.mu.Lock()
	_, still := cli.items[id]
	cli.mu.Unlock()
	assert.False(t, still)
}

func TestClientTimer(t *testing.T) {
	c := &Client{
		log:      logrus.New(),
		items:    map[NodeID]*monitoredEntry{},
		byHandle: map[uint32]*monitoredEntry{},
	}

	fired := 0
	timer := NewClientTimer(c, 30*time.Millisecond, func() { fired++ })
	ctx := context.Background()

	waitUntil := time.Now().Add(2 * time.Second)
	for fired < 2 && time.Now().Before(waitUntil) {
		c.SpinOnce(ctx)
	}
	require.GreaterOrEqual(t, fired, 2)

	timer.Cancel()
	timer.Cancel() // idempotent
	count := fired
	for i := 0; i < 10; i++ {
		c.SpinOnce(ctx)
	}
	assert.Equal(t, count, fired)
}

func TestClientTimerCancelFromOwnCallback(t *testing.T) {
	c := &Client{
		log:      logrus.New(),
		items:    map[NodeID]*monitoredEntry{},
		byHandle: map[uint32]*monitoredEntry{},
	}

	fired := 0
	var timer *ClientTimer
	timer = NewClientTimer(c, 10*time.Millisecond, func() {
		fired++
		timer.Cancel()
	})
	ctx := context.Background()

	waitUntil := time.Now().Add(2 * time.Second)
	for fired == 0 && time.Now().Before(waitUntil) {
		c.SpinOnce(ctx)
	}
	require.Equal(t, 1, fired)

	for i := 0; i < 10; i++ {
		c.SpinOnce(ctx)
	}
	assert.Equal(t, 1, fired)
	assert.Empty(t, c.timers)
}
