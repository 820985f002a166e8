// Package mesh implements a reactive-flood mesh networking core on top of a
// connectionless, best-effort, single-hop 2.4GHz link layer: app-addressed
// unicast with end-to-end delivery confirmation, app-addressed broadcast,
// flood-based route discovery backed by a routing cache, and duplicate
// suppression backed by a seen-id cache.
package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Mesh is a running instance of the message-processing engine bound to one
// Link. Construct with New, start with Init, and stop with Deinit.
type Mesh struct {
	self HWID
	cfg  Config
	log  *log.Logger

	link Link

	queue  *queue
	seenID *idCache
	pend   *idCache
	routes *routeCache

	proc *processor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	rxWg    sync.WaitGroup
}

// New constructs a Mesh bound to self's hardware address, link, and cfg. It
// does not start the Processor goroutine; call Init for that.
func New(self HWID, cfg Config, link Link, logger *log.Logger) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Mesh{
		self: self,
		cfg:  cfg,
		log:  logger,
		link: link,

		queue:  newQueue(cfg.QueueSize),
		seenID: newIDCache(cfg.SeenIDCacheSize),
		pend:   newIDCache(cfg.PendingConfirmCacheSize),
		routes: newRouteCache(cfg.RouteCacheSize),
	}
	radio := newAdapter(link, cfg.RadioTimeout)
	m.proc = newProcessor(self, cfg, logger, m.queue, m.seenID, m.pend, m.routes, radio)
	return m, nil
}

// OnRecv registers the callback invoked for every application-addressed
// Broadcast or Unicast frame this node is the intended recipient of. Must be
// called before Init.
func (m *Mesh) OnRecv(h RecvHandler) {
	m.proc.onRecv = h
}

// OnSend registers the callback invoked at most once for every Send this
// node originated (a broadcast whose transmission fails reports nothing).
// Must be called before Init.
func (m *Mesh) OnSend(h SendHandler) {
	m.proc.onSend = h
}

// Init starts the Processor goroutine and the Radio Adapter's receive loop.
func (m *Mesh) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyInitialized
	}
	if err := m.link.SetChannel(m.cfg.Channel); err != nil {
		return fmt.Errorf("mesh: setting channel %d: %w", m.cfg.Channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.queue.reopen()
	m.proc.done = make(chan struct{})

	m.rxWg.Add(1)
	go m.receiveLoop(runCtx)

	go m.proc.run(runCtx)

	m.log.Info("mesh initialized", "self", m.self, "mesh_id", fmt.Sprintf("0x%08X", m.cfg.MeshID))
	return nil
}

// Deinit stops the Processor goroutine and the receive loop and releases the
// queue, waiting for both to finish. A second call returns ErrNotInitialized.
func (m *Mesh) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotInitialized
	}
	m.cancel()
	m.queue.close()
	m.rxWg.Wait()
	<-m.proc.done
	m.running = false
	m.log.Info("mesh deinitialized")
	return nil
}

// Send queues payload for delivery to target. A nil target (or the
// BroadcastHWID value) sends a best-effort broadcast every neighbor that
// hears it also re-floods; a concrete target sends a unicast, confirmed
// end-to-end by a DeliveryConfirm frame and reported through OnSend.
func (m *Mesh) Send(target *HWID, payload []byte) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrNotInitialized
	}
	if len(payload) == 0 || len(payload) > MaxPayloadSize {
		return ErrInvalidPayload
	}

	f := Frame{
		MeshID:         m.cfg.MeshID,
		MessageID:      newMessageID(),
		OriginalSender: m.self,
		Payload:        payload,
	}
	if target == nil || target.IsBroadcast() {
		f.Type = FrameBroadcast
		f.OriginalTarget = BroadcastHWID
	} else {
		f.Type = FrameUnicast
		f.OriginalTarget = *target
	}

	if err := m.queue.pushBack(workItem{kind: workToSend, frame: f}); err != nil {
		m.log.Warn("send rejected, queue almost full", "target", f.OriginalTarget)
		return err
	}
	return nil
}

// receiveLoop is the Radio Adapter's RX callback context: it decodes raw
// frames, drops anything with the wrong mesh id or wrong size, deduplicates
// against the seen-id cache, and pushes everything else to the front of the
// queue so inbound traffic is always handled ahead of a backlog of our own
// outgoing sends.
func (m *Mesh) receiveLoop(ctx context.Context) {
	defer m.rxWg.Done()
	rx := m.link.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rx:
			if !ok {
				return
			}
			m.handleRaw(raw)
		}
	}
}

func (m *Mesh) handleRaw(raw ReceivedRaw) {
	if m.queue.wouldBeAlmostFull() {
		m.log.Warn("dropping incoming frame, queue almost full")
		return
	}
	f, err := DecodeFrame(raw.Data, raw.Sender)
	if err != nil {
		m.log.Warn("dropping incoming frame, decode error", "err", err)
		return
	}
	if f.MeshID != m.cfg.MeshID {
		m.log.Debug("dropping incoming frame, wrong mesh id")
		return
	}
	if alreadySeen := m.seenID.ContainsAndInsert(f.MessageID); alreadySeen {
		m.log.Debug("dropping incoming frame, duplicate", "message_id", f.MessageID)
		return
	}
	if err := m.queue.pushFront(workItem{kind: workOnRecv, frame: *f}); err != nil {
		m.log.Warn("dropping incoming frame, queue almost full")
	}
}
