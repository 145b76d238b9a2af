package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fgodino/socket.io-redis/pkg/bus"
)

func newTestNodeWithTimeout(t *testing.T, b bus.Bus, id string, timeout time.Duration) *Node {
	t.Helper()
	n, err := NewNode(&Config{
		Bus:            b,
		NodeID:         id,
		RequestTimeout: timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestClients_GathersAllNodes(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	nodeA := newTestNodeWithTimeout(t, b, "A", 2*time.Second)
	nodeB := newTestNodeWithTimeout(t, b, "B", 2*time.Second)
	adpA, _ := newTestAdapter(t, nodeA, "/")
	adpB, _ := newTestAdapter(t, nodeB, "/")

	require.NoError(t, adpA.Join(testContext(t), "s1", "lobby"))
	require.NoError(t, adpB.Join(testContext(t), "s2", "news"))

	start := time.Now()
	got, err := adpA.Clients(testContext(t))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, got)

	// Both nodes answered, so the query completed on count, not on
	// the deadline.
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestClients_FiltersByRoom(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	nodeA := newTestNodeWithTimeout(t, b, "A", 2*time.Second)
	nodeB := newTestNodeWithTimeout(t, b, "B", 2*time.Second)
	adpA, _ := newTestAdapter(t, nodeA, "/")
	adpB, _ := newTestAdapter(t, nodeB, "/")

	require.NoError(t, adpA.Join(testContext(t), "s1", "lobby"))
	require.NoError(t, adpB.Join(testContext(t), "s2", "news"))
	require.NoError(t, adpB.Join(testContext(t), "s3", "lobby"))

	got, err := adpB.Clients(testContext(t), "lobby")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s3"}, got)
}

func TestClients_PartialOnTimeout(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	nodeA := newTestNode(t, b, "A")
	nodeB := newTestNode(t, b, "B")
	adpA, _ := newTestAdapter(t, nodeA, "/")
	adpB, _ := newTestAdapter(t, nodeB, "/")

	require.NoError(t, adpA.Join(testContext(t), "s1", "lobby"))
	require.NoError(t, adpB.Join(testContext(t), "s2", "lobby"))

	// A third subscriber on the request channel that never answers
	// raises the expected count past what arrives.
	phantom, err := b.Subscribe(testContext(t), adpA.requestChannel)
	require.NoError(t, err)
	defer phantom.Close()

	start := time.Now()
	got, err := adpA.Clients(testContext(t))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, got)

	// The missing answer is covered by the deadline, not waited for
	// past it.
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
}

func TestClients_CanceledContext(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	n := newTestNodeWithTimeout(t, b, "A", 2*time.Second)
	a, _ := newTestAdapter(t, n, "/")

	require.NoError(t, a.Join(testContext(t), "s1", "lobby"))

	phantom, err := b.Subscribe(testContext(t), a.requestChannel)
	require.NoError(t, err)
	defer phantom.Close()

	ctx, cancel := context.WithTimeout(testContext(t), 50*time.Millisecond)
	defer cancel()

	got, err := a.Clients(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ElementsMatch(t, []string{"s1"}, got)
}

func TestClients_MalformedResponseSkipped(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	n := newTestNode(t, b, "A")
	a, _ := newTestAdapter(t, n, "/")

	errs := make(chan error, 4)
	n.OnError(func(err error) { errs <- err })

	require.NoError(t, a.Join(testContext(t), "s1", "lobby"))

	// A second responder that answers every request with junk.
	phantom, err := b.Subscribe(testContext(t), a.requestChannel)
	require.NoError(t, err)
	defer phantom.Close()
	go func() {
		for msg := range phantom.Messages() {
			var req clientsRequest
			if json.Unmarshal(msg.Payload, &req) != nil {
				continue
			}
			b.Publish(context.Background(), a.chans.response(req.TransactionID), []byte("junk"))
		}
	}()

	got, err := a.Clients(testContext(t))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1"}, got)

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "decode response")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error")
	}
}

func TestClients_MalformedRequestReported(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	n := newTestNode(t, b, "A")
	a, _ := newTestAdapter(t, n, "/")

	errs := make(chan error, 1)
	n.OnError(func(err error) { errs <- err })

	require.NoError(t, a.Join(testContext(t), "s1", "lobby"))
	require.NoError(t, b.Publish(testContext(t), a.requestChannel, []byte("junk")))

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "decode request")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error")
	}

	// The responder loop survives and still answers real queries.
	got, err := a.Clients(testContext(t))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1"}, got)
}

type staticNumSubBus struct {
	bus.Bus
	n int64
}

func (b *staticNumSubBus) NumSub(ctx context.Context, channel string) (int64, error) {
	return b.n, nil
}

func TestClients_NoResponders(t *testing.T) {
	b := &staticNumSubBus{Bus: bus.NewMemory(), n: 0}
	defer b.Bus.Close()
	n := newTestNode(t, b, "A")
	a, _ := newTestAdapter(t, n, "/")

	got, err := a.Clients(testContext(t))
	require.NoError(t, err)
	require.Empty(t, got)
}

type failingNumSubBus struct {
	bus.Bus
}

func (b *failingNumSubBus) NumSub(ctx context.Context, channel string) (int64, error) {
	return 0, errors.New("numsub down")
}

func TestClients_NumSubFailure(t *testing.T) {
	b := &failingNumSubBus{Bus: bus.NewMemory()}
	defer b.Bus.Close()
	n := newTestNode(t, b, "A")
	a, _ := newTestAdapter(t, n, "/")

	errs := make(chan error, 1)
	n.OnError(func(err error) { errs <- err })

	_, err := a.Clients(testContext(t))
	require.ErrorContains(t, err, "count responders")

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "numsub down")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error")
	}
}

type trackingBus struct {
	bus.Bus
	mu    sync.Mutex
	conns []*trackedConn
}

type trackedConn struct {
	bus.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (b *trackingBus) Subscribe(ctx context.Context, channels ...string) (bus.Conn, error) {
	conn, err := b.Bus.Subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Conn: conn}
	b.mu.Lock()
	b.conns = append(b.conns, tc)
	b.mu.Unlock()
	return tc, nil
}

func (b *trackingBus) tracked() []*trackedConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*trackedConn(nil), b.conns...)
}

func TestClients_ReleasesQueryConnection(t *testing.T) {
	tb := &trackingBus{Bus: bus.NewMemory()}
	defer tb.Bus.Close()
	n := newTestNode(t, tb, "A")
	a, _ := newTestAdapter(t, n, "/")

	require.NoError(t, a.Join(testContext(t), "s1", "lobby"))
	base := len(tb.tracked()) // the node's two shared connections

	// Count-complete path.
	_, err := a.Clients(testContext(t))
	require.NoError(t, err)

	// Timeout path, forced by an extra silent subscriber.
	phantom, err := tb.Bus.Subscribe(testContext(t), a.requestChannel)
	require.NoError(t, err)
	defer phantom.Close()
	_, err = a.Clients(testContext(t))
	require.NoError(t, err)

	conns := tb.tracked()
	require.Len(t, conns, base+2)
	for _, c := range conns[base:] {
		require.True(t, c.closed.Load(), "query connection leaked")
	}
}

func TestAdapter_ServerCount(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	nodeA := newTestNode(t, b, "A")
	adpA, _ := newTestAdapter(t, nodeA, "/")

	count, err := adpA.ServerCount(testContext(t))
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	nodeB := newTestNode(t, b, "B")
	adpB, _ := newTestAdapter(t, nodeB, "/")
	count, err = adpB.ServerCount(testContext(t))
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}
