package mesh

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
)

// waitPollInterval is how long a re-queued WaitRoute/WaitResponse item sits
// before its next poll. Re-enqueueing with no delay at all would spin a core
// whenever a wait item is the only thing in the queue.
const waitPollInterval = 10 * time.Millisecond

// processor is the single-goroutine state machine that owns the queue, the
// routing and pending-confirm caches, and the adapter. Exactly one goroutine
// ever calls into it: run, started once by Mesh.Init.
type processor struct {
	self   HWID
	cfg    Config
	log    *log.Logger
	queue  *queue
	routes *routeCache
	seenID *idCache
	pend   *idCache
	radio  *adapter

	onRecv RecvHandler
	onSend SendHandler

	done chan struct{}
}

func newProcessor(self HWID, cfg Config, logger *log.Logger, q *queue, seenID, pend *idCache, routes *routeCache, radio *adapter) *processor {
	return &processor{
		self:   self,
		cfg:    cfg,
		log:    logger,
		queue:  q,
		routes: routes,
		seenID: seenID,
		pend:   pend,
		radio:  radio,
		done:   make(chan struct{}),
	}
}

// newMessageID draws a fresh, uniformly-distributed, non-zero message id.
// Zero is reserved to mean "no confirm_id set" and is never itself a valid
// minted id.
func newMessageID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

func (p *processor) run(ctx context.Context) {
	defer close(p.done)
	for {
		item, ok := p.queue.pop()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.dispatch(ctx, item)
	}
}

func (p *processor) dispatch(ctx context.Context, item workItem) {
	switch item.kind {
	case workToSend:
		p.handleToSend(ctx, item)
	case workOnRecv:
		p.handleOnRecv(item)
	case workWaitRoute:
		p.handleWaitRoute(item)
	case workWaitResponse:
		p.handleWaitResponse(item)
	}
}

func (p *processor) enqueue(kind workKind, frame Frame, front bool) {
	item := workItem{kind: kind, enqueued: time.Now(), frame: frame}
	var err error
	if front {
		err = p.queue.pushFront(item)
	} else {
		err = p.queue.pushBack(item)
	}
	if err != nil {
		p.log.Warn("queue full, dropping internally generated work item", "kind", kind, "type", frame.Type)
	}
}

func (p *processor) isSelfOrigin(f Frame) bool {
	return f.OriginalSender == p.self
}

// handleToSend resolves a next hop (broadcast address for flood-style
// frames, a learned route for unicast-style ones), transmits, and reacts to
// the outcome.
func (p *processor) handleToSend(ctx context.Context, item workItem) {
	f := item.frame
	isFlood := f.Type == FrameBroadcast || f.Type == FrameSearchRequest || f.Type == FrameSearchResponse

	var peer HWID
	if isFlood {
		peer = BroadcastHWID
		if p.isSelfOrigin(f) {
			p.seenID.Insert(f.MessageID)
		}
	} else {
		nextHop, found := p.routes.Lookup(f.OriginalTarget)
		if !found {
			p.log.Info("no route, deferring to route discovery", "target", f.OriginalTarget, "type", f.Type)
			p.enqueue(workWaitRoute, f, false)
			p.sendSearchRequest(f.OriginalTarget)
			return
		}
		peer = nextHop
	}

	raw, err := f.Encode()
	if err != nil {
		p.log.Error("failed to encode outgoing frame", "err", err)
		return
	}

	result, err := p.radio.Transmit(ctx, peer, raw)
	if err != nil {
		p.log.Error("radio transmit error", "err", err)
		return
	}

	if result == SendResultSuccess {
		p.onTransmitSuccess(f)
		return
	}
	p.onTransmitFail(f, peer, isFlood)
}

func (p *processor) onTransmitSuccess(f Frame) {
	if !p.isSelfOrigin(f) {
		p.log.Debug("forwarded frame sent", "type", f.Type, "target", f.OriginalTarget)
		return
	}
	switch f.Type {
	case FrameBroadcast:
		p.fireOnSend(f.OriginalTarget, SendSuccess)
	case FrameUnicast:
		p.log.Debug("unicast sent, awaiting delivery confirmation", "target", f.OriginalTarget)
		p.enqueue(workWaitResponse, f, false)
	case FrameSearchRequest, FrameSearchResponse, FrameDeliveryConfirm:
		p.log.Debug("control frame sent", "type", f.Type)
	}
}

func (p *processor) onTransmitFail(f Frame, peer HWID, isFlood bool) {
	if isFlood {
		p.log.Warn("flood-style send failed", "type", f.Type)
		return
	}
	p.log.Warn("send over learned route failed, forgetting route and rediscovering", "target", f.OriginalTarget, "via", peer)
	p.routes.Forget(f.OriginalTarget)
	p.enqueue(workWaitRoute, f, false)
	p.sendSearchRequest(f.OriginalTarget)
}

// sendSearchRequest mints a fresh SearchRequest for target and pushes it to
// the front of the queue, so route discovery for a just-blocked send starts
// on the very next dispatch.
func (p *processor) sendSearchRequest(target HWID) {
	req := Frame{
		Type:           FrameSearchRequest,
		MeshID:         p.cfg.MeshID,
		MessageID:      newMessageID(),
		OriginalSender: p.self,
		OriginalTarget: target,
	}
	p.enqueue(workToSend, req, true)
}

// handleOnRecv dispatches a received frame by type. Mesh-id checks, size
// checks and duplicate suppression already happened in the receive path
// before this item reached the queue; every case here assumes the frame is
// new and belongs to this mesh.
func (p *processor) handleOnRecv(item workItem) {
	f := item.frame
	switch f.Type {
	case FrameBroadcast:
		p.fireOnRecv(f.OriginalSender, f.Payload)
		p.enqueue(workToSend, f, false)

	case FrameUnicast:
		if f.OriginalTarget == p.self {
			p.fireOnRecv(f.OriginalSender, f.Payload)
			confirm := Frame{
				Type:           FrameDeliveryConfirm,
				MeshID:         p.cfg.MeshID,
				MessageID:      newMessageID(),
				ConfirmID:      f.MessageID,
				OriginalTarget: f.OriginalSender,
				OriginalSender: p.self,
			}
			p.enqueue(workToSend, confirm, true)
			return
		}
		p.enqueue(workToSend, f, true)

	case FrameDeliveryConfirm:
		if f.OriginalTarget == p.self {
			p.pend.Insert(f.ConfirmID)
			return
		}
		p.enqueue(workToSend, f, true)

	case FrameSearchRequest:
		p.routes.Learn(f.OriginalSender, f.SenderHWID)
		if f.OriginalTarget == p.self {
			resp := Frame{
				Type:           FrameSearchResponse,
				MeshID:         p.cfg.MeshID,
				MessageID:      newMessageID(),
				OriginalTarget: f.OriginalSender,
				OriginalSender: p.self,
			}
			p.enqueue(workToSend, resp, true)
			return
		}
		p.enqueue(workToSend, f, true)

	case FrameSearchResponse:
		p.routes.Learn(f.OriginalSender, f.SenderHWID)
		if f.OriginalTarget != p.self {
			p.enqueue(workToSend, f, true)
		}
	}
}

// handleWaitRoute re-checks the routing table for frame.OriginalTarget on
// every poll. Found means the frame (unicast payload or a DeliveryConfirm)
// moves back to ToSend; not found and still within MaxWaitTime means another
// poll later; not found and expired means give up, failing the send if it
// was this node's own.
func (p *processor) handleWaitRoute(item workItem) {
	f := item.frame
	if _, found := p.routes.Lookup(f.OriginalTarget); found {
		p.enqueue(workToSend, f, false)
		return
	}
	if time.Since(item.enqueued) > p.cfg.MaxWaitTime {
		p.log.Warn("route discovery timed out", "target", f.OriginalTarget)
		if p.isSelfOrigin(f) {
			p.fireOnSend(f.OriginalTarget, SendFail)
		}
		return
	}
	time.Sleep(waitPollInterval)
	if err := p.queue.pushBack(item); err != nil {
		p.log.Warn("queue full, dropping pending route wait", "target", f.OriginalTarget)
	}
}

// handleWaitResponse re-checks the pending-confirm cache for frame.MessageID
// on every poll. A match means the unicast's DeliveryConfirm arrived;
// otherwise the same MaxWaitTime budget applies as handleWaitRoute.
func (p *processor) handleWaitResponse(item workItem) {
	f := item.frame
	if p.pend.Remove(f.MessageID) {
		p.fireOnSend(f.OriginalTarget, SendSuccess)
		return
	}
	if time.Since(item.enqueued) > p.cfg.MaxWaitTime {
		p.log.Warn("delivery confirmation timed out", "target", f.OriginalTarget)
		p.fireOnSend(f.OriginalTarget, SendFail)
		return
	}
	time.Sleep(waitPollInterval)
	if err := p.queue.pushBack(item); err != nil {
		p.log.Warn("queue full, dropping pending response wait", "target", f.OriginalTarget)
	}
}

func (p *processor) fireOnRecv(sender HWID, payload []byte) {
	if p.onRecv == nil {
		return
	}
	p.onRecv(RecvEvent{Sender: sender, Payload: payload})
}

func (p *processor) fireOnSend(target HWID, status SendStatus) {
	if p.onSend == nil {
		return
	}
	p.onSend(SendEvent{Target: target, Status: status})
}
