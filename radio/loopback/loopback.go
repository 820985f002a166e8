// Package loopback provides an in-process mesh.Link that wires multiple
// mesh.Mesh instances together without any real radio. It is deterministic
// and intended for scenario tests.
package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/kd7nxl/gomesh/mesh"
)

// Medium is a shared broadcast domain: every Link registered on the same
// Medium receives every other Link's transmissions, modeling a single-hop
// 2.4GHz broadcast domain where every node can hear every other node.
type Medium struct {
	mu    sync.Mutex
	links map[mesh.HWID]*Link

	// totalSends counts every SendRaw call across every Link on this Medium,
	// letting scenario tests assert that a flood's total transmissions stay
	// bounded by node count without instrumenting the Processor itself.
	totalSends atomic.Int64
}

// TotalSends returns how many SendRaw calls have been made by any Link
// attached to this Medium since it was created.
func (m *Medium) TotalSends() int64 {
	return m.totalSends.Load()
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium {
	return &Medium{links: make(map[mesh.HWID]*Link)}
}

// Link is one node's attachment point to a Medium.
type Link struct {
	medium *Medium
	self   mesh.HWID

	completions chan mesh.SendResult
	recv        chan mesh.ReceivedRaw

	// Drop, when set, reports whether a frame addressed to dst should be
	// lost in flight: no peer receives it, and a unicast's completion
	// reports Fail while a broadcast's still reports Success. Tests use it
	// to force a failed hop without a real unreliable link.
	Drop func(dst mesh.HWID) bool

	// Neighbors, when non-nil, restricts which peers on the Medium this link
	// can actually reach, modeling a partial-mesh topology (multi-hop tests)
	// instead of the default single-broadcast-domain behavior where every
	// registered peer hears every other peer.
	Neighbors map[mesh.HWID]bool
}

// NewLink attaches self to medium and returns its Link. Call Close to detach.
func NewLink(medium *Medium, self mesh.HWID) *Link {
	l := &Link{
		medium:      medium,
		self:        self,
		completions: make(chan mesh.SendResult, 1),
		recv:        make(chan mesh.ReceivedRaw, 32),
	}
	medium.mu.Lock()
	medium.links[self] = l
	medium.mu.Unlock()
	return l
}

// Close detaches the link from its medium.
func (l *Link) Close() {
	l.medium.mu.Lock()
	delete(l.medium.links, l.self)
	l.medium.mu.Unlock()
}

func (l *Link) AddPeer(mesh.HWID) error {
	return nil
}

func (l *Link) SetChannel(int) error {
	return nil
}

func (l *Link) DelPeer(mesh.HWID) error {
	return nil
}

func (l *Link) SendRaw(addr mesh.HWID, raw []byte) error {
	l.medium.totalSends.Add(1)
	dup := append([]byte(nil), raw...)

	l.medium.mu.Lock()
	var recipients []*Link
	if addr.IsBroadcast() {
		for id, peer := range l.medium.links {
			if id != l.self && l.canReach(id) {
				recipients = append(recipients, peer)
			}
		}
	} else if peer, ok := l.medium.links[addr]; ok && l.canReach(addr) {
		recipients = append(recipients, peer)
	}
	l.medium.mu.Unlock()

	delivered := addr.IsBroadcast() || len(recipients) > 0
	if l.Drop != nil && l.Drop(addr) {
		delivered = false
		recipients = nil
	}

	for _, peer := range recipients {
		peer.recv <- mesh.ReceivedRaw{Sender: l.self, Data: dup}
	}

	go func() {
		if delivered || addr.IsBroadcast() {
			l.completions <- mesh.SendResultSuccess
		} else {
			l.completions <- mesh.SendResultFail
		}
	}()
	return nil
}

// canReach reports whether this link can reach peer, honoring Neighbors when
// the topology has been restricted. Callers hold l.medium.mu.
func (l *Link) canReach(peer mesh.HWID) bool {
	if l.Neighbors == nil {
		return true
	}
	return l.Neighbors[peer]
}

func (l *Link) Completions() <-chan mesh.SendResult {
	return l.completions
}

func (l *Link) Receive() <-chan mesh.ReceivedRaw {
	return l.recv
}
