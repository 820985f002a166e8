package mesh

// RecvEvent is delivered to OnRecv for every Broadcast or Unicast frame
// addressed (directly or as the eventual flood target) to this node's own
// application layer. Forwarded-but-not-ours traffic never reaches this
// callback.
type RecvEvent struct {
	Sender  HWID
	Payload []byte
}

// SendEvent is delivered to OnSend at most once for every message this node
// originated through Send. Broadcasts report Success as soon as the radio
// confirms the single air-interface transmission, and report nothing if that
// transmission fails; unicasts report Success only once the end-to-end
// DeliveryConfirm frame comes back, or Fail once the route or confirmation
// wait expires.
type SendEvent struct {
	Target HWID
	Status SendStatus
}

// RecvHandler is invoked from the Processor goroutine; it must not block.
type RecvHandler func(RecvEvent)

// SendHandler is invoked from the Processor goroutine; it must not block.
type SendHandler func(SendEvent)
