package media

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"peerlink/internal/infrastructure/monitoring"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVideoCapability(t *testing.T) {
	tests := []struct {
		codec    string
		mimeType string
		wantErr  bool
	}{
		{"vp8", webrtc.MimeTypeVP8, false},
		{"vp9", webrtc.MimeTypeVP9, false},
		{"h264", webrtc.MimeTypeH264, false},
		{"av1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			capability, err := VideoCapability(tt.codec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mimeType, capability.MimeType)
			assert.Equal(t, uint32(90000), capability.ClockRate)
		})
	}
}

func TestRTPSource_ReadyOnFirstValidPacket(t *testing.T) {
	source, err := NewRTPSource("127.0.0.1:0", "vp8", monitoring.NopMetrics{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Len(t, source.Tracks(), 1)
	assert.Equal(t, "video", source.Tracks()[0].Kind().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()

	conn, err := net.Dial("udp", source.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01})
	require.NoError(t, err)

	select {
	case <-source.Ready():
		t.Fatal("source became ready on an invalid packet")
	case <-time.After(100 * time.Millisecond):
	}

	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, Timestamp: 3000, SSRC: 1234},
		Payload: []byte{0x10, 0x02, 0x03},
	}
	raw, err := packet.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	select {
	case <-source.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("source never became ready")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, source.Close())
}

func TestRTPSource_RejectsUnknownCodec(t *testing.T) {
	_, err := NewRTPSource("127.0.0.1:0", "theora", monitoring.NopMetrics{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

type capturedRTCP struct {
	mu      sync.Mutex
	packets []rtcp.Packet
}

func (c *capturedRTCP) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, pkts...)
	return nil
}

func (c *capturedRTCP) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func TestUDPSink_RequestsKeyframes(t *testing.T) {
	sink, err := NewUDPSink("127.0.0.1:9", 10*time.Millisecond, monitoring.NopMetrics{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sink.Close()

	feedback := &capturedRTCP{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.requestKeyframes(ctx, 42, feedback)
		close(done)
	}()

	assert.Eventually(t, func() bool { return feedback.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	feedback.mu.Lock()
	defer feedback.mu.Unlock()
	pli, ok := feedback.packets[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(42), pli.MediaSSRC)
}

func TestUDPSink_AttachNilAndCloseAreSafe(t *testing.T) {
	sink, err := NewUDPSink("127.0.0.1:9", time.Second, monitoring.NopMetrics{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	sink.Attach(nil, nil, nil)
	sink.Detach()
	sink.Detach()
	assert.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())

	// attaching after close is ignored
	sink.Attach(nil, nil, &capturedRTCP{})
}

func TestUDPSink_ForwardsTracksPerSSRC(t *testing.T) {
	sink, err := NewUDPSink("127.0.0.1:9", time.Second, monitoring.NopMetrics{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sink.Close()

	video := sink.register(1)
	audio := sink.register(2)
	require.NotNil(t, video)
	require.NotNil(t, audio)
	assert.NoError(t, video.Err())
	assert.NoError(t, audio.Err())

	// a second track with the same SSRC replaces the first
	replaced := sink.register(1)
	require.NotNil(t, replaced)
	assert.ErrorIs(t, video.Err(), context.Canceled)
	assert.NoError(t, replaced.Err())
	assert.NoError(t, audio.Err())

	sink.Detach()
	assert.ErrorIs(t, replaced.Err(), context.Canceled)
	assert.ErrorIs(t, audio.Err(), context.Canceled)

	require.NoError(t, sink.Close())
	assert.Nil(t, sink.register(3))
}
