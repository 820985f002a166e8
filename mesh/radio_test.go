package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLink struct {
	completions chan SendResult
	recv        chan ReceivedRaw

	// outcomes holds the result the next SendRaw publishes on completions.
	// A value written straight to completions before a send is stale, and
	// the adapter discards it.
	outcomes chan SendResult
}

func newStubLink() *stubLink {
	return &stubLink{completions: make(chan SendResult, 1), recv: make(chan ReceivedRaw, 1), outcomes: make(chan SendResult, 1)}
}

func (l *stubLink) AddPeer(HWID) error { return nil }
func (l *stubLink) DelPeer(HWID) error { return nil }
func (l *stubLink) SetChannel(int) error { return nil }
func (l *stubLink) SendRaw(HWID, []byte) error {
	select {
	case r := <-l.outcomes:
		l.completions <- r
	default:
	}
	return nil
}
func (l *stubLink) Completions() <-chan SendResult { return l.completions }
func (l *stubLink) Receive() <-chan ReceivedRaw { return l.recv }

func Test_Adapter_Transmit_Success(t *testing.T) {
	link := newStubLink()
	a := newAdapter(link, 50*time.Millisecond)

	link.outcomes <- SendResultSuccess
	result, err := a.Transmit(context.Background(), HWID{1}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, SendResultSuccess, result)
}

func Test_Adapter_Transmit_ExpiryIsFail(t *testing.T) {
	link := newStubLink()
	a := newAdapter(link, 20*time.Millisecond)

	start := time.Now()
	result, err := a.Transmit(context.Background(), HWID{1}, []byte("x"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, SendResultFail, result)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func Test_Adapter_Transmit_DoesNotMisattributeStaleCompletion(t *testing.T) {
	link := newStubLink()
	a := newAdapter(link, 15*time.Millisecond)

	// First Transmit times out with nothing published on Completions.
	result, err := a.Transmit(context.Background(), HWID{1}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, SendResultFail, result)

	// The first frame's completion arrives late, after its Transmit already
	// gave up. The next Transmit must discard it rather than read it as its
	// own outcome.
	link.completions <- SendResultSuccess

	result, err = a.Transmit(context.Background(), HWID{2}, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, SendResultFail, result)
}

func Test_Adapter_Transmit_ContextCancel(t *testing.T) {
	link := newStubLink()
	a := newAdapter(link, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := a.Transmit(ctx, HWID{1}, []byte("x"))
	assert.Error(t, err)
	assert.Equal(t, SendResultFail, result)
}
