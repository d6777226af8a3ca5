package session

import (
	"testing"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/sender"
	"github.com/go-norm/norm/pkg/transport"
	_ "github.com/go-norm/norm/pkg/transport/virtual"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSenderConfig(id norm.NodeId) sender.Config {
	return sender.Config{
		NodeId:          id,
		SegmentSize:     8,
		NumData:         4,
		NumParity:       2,
		TxRate:          1 << 20,
		BackoffFactor:   4,
		RobustFactor:    3,
		TxCacheCountMax: 8,
		TxCacheSizeMax:  1 << 20,
	}
}

func newTestSession(t *testing.T, id norm.NodeId, addr string, events norm.EventHandler) *Session {
	t.Helper()
	tr, err := transport.New("virtual", transport.Config{Address: addr})
	require.NoError(t, err)
	cfg := Config{
		NodeId: id,
		Sender: testSenderConfig(id),
		Tick:   10 * time.Millisecond,
		Events: events,
	}
	sess := New(cfg, tr, nil)
	require.NoError(t, sess.transport.Subscribe(sess))
	require.NoError(t, sess.transport.Connect())
	return sess
}

func TestSessionDeliversObjectEndToEnd(t *testing.T) {
	var events []norm.Event
	recordB := func(ev norm.Event) { events = append(events, ev) }

	a := newTestSession(t, 1, "session-e2e", nil)
	b := newTestSession(t, 2, "session-e2e", recordB)

	content := []byte("01234567") // exactly one segment, one block
	r, w := object.NewInMemoryReaderWriter(append([]byte(nil), content...))
	_, err := a.EnqueueObject(object.KindBulk, norm.NewObjectSize(uint64(len(content))), []byte("info"), object.NackingNormal, r, w)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 4; i++ {
		now = now.Add(a.cfg.Tick)
		a.serviceTick(now)
		b.serviceTick(now)
	}

	completed := false
	for _, ev := range events {
		if ev.Type == norm.EventRxObjectCompleted {
			completed = true
		}
	}
	assert.True(t, completed, "receiver should have completed the object")
	assert.Equal(t, uint64(1), b.Stats().Snapshot().CompletionCount)
}

func TestSessionReceiverForLazilyCreatesAndTracks(t *testing.T) {
	b := newTestSession(t, 2, "session-lazy", nil)

	rx := b.receiverFor(norm.NodeId(7))
	require.NotNil(t, rx)
	assert.Equal(t, norm.NodeId(7), rx.SenderId())

	same := b.receiverFor(norm.NodeId(7))
	assert.Same(t, rx, same)

	_, ok := b.receiverExisting(norm.NodeId(99))
	assert.False(t, ok)
}

func TestSessionPurgeReceiverEmitsEvent(t *testing.T) {
	var got norm.Event
	b := newTestSession(t, 2, "session-purge", func(ev norm.Event) {
		if ev.Type == norm.EventRemoteSenderPurged {
			got = ev
		}
	})

	b.receiverFor(norm.NodeId(5))
	b.purgeReceiver(norm.NodeId(5))

	assert.Equal(t, norm.EventRemoteSenderPurged, got.Type)
	assert.Equal(t, norm.NodeId(5), got.Node)

	_, ok := b.receiverExisting(norm.NodeId(5))
	assert.False(t, ok)
}

func TestHandleMalformedPDUIncrementsStat(t *testing.T) {
	b := newTestSession(t, 2, "session-malformed", nil)
	before := b.Stats().Snapshot().MalformedCount
	b.Handle([]byte{0x00}) // too short for even the common header
	assert.Equal(t, before+1, b.Stats().Snapshot().MalformedCount)
}
