package mesh

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = log.New(io.Discard)

// reentrancyLink fails the test if a new SendRaw arrives while a previous one
// hasn't yet had its completion observed: at most one frame may be in flight
// between successive completions.
type reentrancyLink struct {
	completions chan SendResult
	recv        chan ReceivedRaw
	busy        atomic.Bool
	violated    atomic.Bool
}

func newReentrancyLink() *reentrancyLink {
	return &reentrancyLink{completions: make(chan SendResult, 1), recv: make(chan ReceivedRaw, 1)}
}

func (l *reentrancyLink) AddPeer(HWID) error { return nil }
func (l *reentrancyLink) DelPeer(HWID) error { return nil }
func (l *reentrancyLink) SetChannel(int) error { return nil }

func (l *reentrancyLink) SendRaw(HWID, []byte) error {
	if !l.busy.CompareAndSwap(false, true) {
		l.violated.Store(true)
	}
	go func() {
		time.Sleep(time.Millisecond)
		l.busy.Store(false)
		l.completions <- SendResultSuccess
	}()
	return nil
}

func (l *reentrancyLink) Completions() <-chan SendResult { return l.completions }
func (l *reentrancyLink) Receive() <-chan ReceivedRaw { return l.recv }

func Test_Processor_AtMostOneSendInFlight(t *testing.T) {
	self := HWID{1}
	cfg := DefaultConfig()
	cfg.QueueSize = 64
	cfg.MaxWaitTime = 200 * time.Millisecond
	cfg.RadioTimeout = 50 * time.Millisecond

	link := newReentrancyLink()
	m, err := New(self, cfg, link, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Init(ctx))
	defer m.Deinit() //nolint:errcheck

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Send(nil, []byte("x"))
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, link.violated.Load(), "send_raw was issued while a previous send was still in flight")
}

// handleToSend and handleOnRecv are exercised directly below (bypassing the
// goroutine and queue) for precise, synchronous assertions about routing
// table and cache side effects - the white-box counterpart to the black-box
// radio/loopback scenario tests in the mesh_test package.

func newTestProcessor(self HWID, link Link) (*processor, *queue) {
	cfg := DefaultConfig()
	q := newQueue(cfg.QueueSize)
	seenID := newIDCache(cfg.SeenIDCacheSize)
	pend := newIDCache(cfg.PendingConfirmCacheSize)
	routes := newRouteCache(cfg.RouteCacheSize)
	radio := newAdapter(link, cfg.RadioTimeout)
	return newProcessor(self, cfg, discardLogger, q, seenID, pend, routes, radio), q
}

func Test_Processor_ToSend_UsesCachedRoute(t *testing.T) {
	self := HWID{1}
	b := HWID{2}
	nextHop := HWID{3}

	link := newStubLink()
	link.outcomes <- SendResultSuccess
	p, _ := newTestProcessor(self, link)
	p.routes.Learn(b, nextHop)

	f := Frame{Type: FrameUnicast, OriginalSender: self, OriginalTarget: b, MessageID: 7}
	p.handleToSend(context.Background(), workItem{kind: workToSend, frame: f})

	// Self-originated unicast sent successfully must move to WaitResponse,
	// not fire an immediate OnSend.
	item, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workWaitResponse, item.kind)
	assert.Equal(t, b, item.frame.OriginalTarget)
}

func Test_Processor_ToSend_RouteMiss_DefersAndSearches(t *testing.T) {
	self := HWID{1}
	b := HWID{2}

	link := newStubLink()
	link.completions <- SendResultSuccess
	p, _ := newTestProcessor(self, link)

	f := Frame{Type: FrameUnicast, OriginalSender: self, OriginalTarget: b, MessageID: 9}
	p.handleToSend(context.Background(), workItem{kind: workToSend, frame: f})

	// A WaitRoute for the original frame and a priority-enqueued
	// SearchRequest must both be present; SearchRequest goes to the front.
	first, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workToSend, first.kind)
	assert.Equal(t, FrameSearchRequest, first.frame.Type)
	assert.Equal(t, b, first.frame.OriginalTarget)
	assert.NotZero(t, first.frame.MessageID)

	second, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workWaitRoute, second.kind)
	assert.Equal(t, b, second.frame.OriginalTarget)
}

func Test_Processor_ToSend_RouteFail_EvictsAndRediscovers(t *testing.T) {
	self := HWID{1}
	b := HWID{2}
	staleHop := HWID{9}

	link := newStubLink()
	link.outcomes <- SendResultFail
	p, _ := newTestProcessor(self, link)
	p.routes.Learn(b, staleHop)

	f := Frame{Type: FrameUnicast, OriginalSender: self, OriginalTarget: b, MessageID: 11}
	p.handleToSend(context.Background(), workItem{kind: workToSend, frame: f})

	_, stillPresent := p.routes.Lookup(b)
	assert.False(t, stillPresent, "a failed send over a stale route must evict it")

	first, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, FrameSearchRequest, first.frame.Type)

	second, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workWaitRoute, second.kind)
}

func Test_Processor_OnRecv_UnicastForSelf_DeliversAndConfirms(t *testing.T) {
	self := HWID{1}
	sender := HWID{2}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)

	var delivered RecvEvent
	p.onRecv = func(ev RecvEvent) { delivered = ev }

	f := Frame{Type: FrameUnicast, OriginalSender: sender, OriginalTarget: self, MessageID: 42, Payload: []byte("hi")}
	p.handleOnRecv(workItem{kind: workOnRecv, frame: f})

	assert.Equal(t, sender, delivered.Sender)
	assert.Equal(t, []byte("hi"), delivered.Payload)

	item, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workToSend, item.kind)
	assert.Equal(t, FrameDeliveryConfirm, item.frame.Type)
	assert.Equal(t, uint32(42), item.frame.ConfirmID)
	assert.Equal(t, sender, item.frame.OriginalTarget)
}

func Test_Processor_OnRecv_UnicastForwarded_NoLocalDelivery(t *testing.T) {
	self := HWID{1}
	sender := HWID{2}
	other := HWID{3}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)
	p.onRecv = func(RecvEvent) { t.Fatal("a forwarded frame must not be delivered locally") }

	f := Frame{Type: FrameUnicast, OriginalSender: sender, OriginalTarget: other, MessageID: 5}
	p.handleOnRecv(workItem{kind: workOnRecv, frame: f})

	item, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workToSend, item.kind)
	assert.Equal(t, other, item.frame.OriginalTarget)
}

func Test_Processor_OnRecv_SearchRequest_LearnsRouteAndAnswersOrForwards(t *testing.T) {
	self := HWID{1}
	originator := HWID{2}
	prevHop := HWID{3}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)

	// Addressed to self: answer with a SearchResponse.
	f := Frame{Type: FrameSearchRequest, OriginalSender: originator, OriginalTarget: self, SenderHWID: prevHop, MessageID: 1}
	p.handleOnRecv(workItem{kind: workOnRecv, frame: f})

	nextHop, found := p.routes.Lookup(originator)
	require.True(t, found)
	assert.Equal(t, prevHop, nextHop)

	item, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, FrameSearchResponse, item.frame.Type)
	assert.Equal(t, originator, item.frame.OriginalTarget)
}

func Test_Processor_OnRecv_SearchRequest_NotForSelf_Rebroadcasts(t *testing.T) {
	self := HWID{1}
	originator := HWID{2}
	target := HWID{9}
	prevHop := HWID{3}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)

	f := Frame{Type: FrameSearchRequest, OriginalSender: originator, OriginalTarget: target, SenderHWID: prevHop, MessageID: 1}
	p.handleOnRecv(workItem{kind: workOnRecv, frame: f})

	item, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workToSend, item.kind)
	assert.Equal(t, FrameSearchRequest, item.frame.Type)
	assert.Equal(t, target, item.frame.OriginalTarget)
}

func Test_Processor_OnRecv_DeliveryConfirm_RecordsPending(t *testing.T) {
	self := HWID{1}
	b := HWID{2}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)

	f := Frame{Type: FrameDeliveryConfirm, OriginalSender: b, OriginalTarget: self, ConfirmID: 77}
	p.handleOnRecv(workItem{kind: workOnRecv, frame: f})

	assert.True(t, p.pend.Contains(77))
	assert.Equal(t, 0, p.queue.len())
}

func Test_Processor_WaitRoute_FoundRoute_MovesToToSend(t *testing.T) {
	self := HWID{1}
	b := HWID{2}
	hop := HWID{3}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)
	p.routes.Learn(b, hop)

	item := workItem{kind: workWaitRoute, enqueued: time.Now(), frame: Frame{OriginalTarget: b}}
	p.handleWaitRoute(item)

	next, ok := p.queue.pop()
	require.True(t, ok)
	assert.Equal(t, workToSend, next.kind)
}

func Test_Processor_WaitRoute_Expired_FailsSelfOriginated(t *testing.T) {
	self := HWID{1}
	b := HWID{2}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)
	p.cfg.MaxWaitTime = time.Millisecond

	var failed SendEvent
	p.onSend = func(ev SendEvent) { failed = ev }

	item := workItem{kind: workWaitRoute, enqueued: time.Now().Add(-time.Second), frame: Frame{OriginalSender: self, OriginalTarget: b}}
	p.handleWaitRoute(item)

	assert.Equal(t, b, failed.Target)
	assert.Equal(t, SendFail, failed.Status)
	assert.Equal(t, 0, p.queue.len())
}

func Test_Processor_WaitResponse_ConfirmArrives_Succeeds(t *testing.T) {
	self := HWID{1}
	b := HWID{2}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)
	p.pend.Insert(123)

	var ok2 SendEvent
	p.onSend = func(ev SendEvent) { ok2 = ev }

	item := workItem{kind: workWaitResponse, enqueued: time.Now(), frame: Frame{OriginalTarget: b, MessageID: 123}}
	p.handleWaitResponse(item)

	assert.Equal(t, b, ok2.Target)
	assert.Equal(t, SendSuccess, ok2.Status)
	assert.False(t, p.pend.Contains(123))
}

func Test_Processor_WaitResponse_Expired_Fails(t *testing.T) {
	self := HWID{1}
	b := HWID{2}

	link := newStubLink()
	p, _ := newTestProcessor(self, link)
	p.cfg.MaxWaitTime = time.Millisecond

	var failed SendEvent
	p.onSend = func(ev SendEvent) { failed = ev }

	item := workItem{kind: workWaitResponse, enqueued: time.Now().Add(-time.Second), frame: Frame{OriginalTarget: b, MessageID: 55}}
	p.handleWaitResponse(item)

	assert.Equal(t, b, failed.Target)
	assert.Equal(t, SendFail, failed.Status)
}
