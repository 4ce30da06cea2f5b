package ports

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// MediaSource supplies the local tracks a broadcaster publishes.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
}

// RTCPWriter sends feedback to the remote sender of a track.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// RenderTarget receives inbound media on the viewer side.
type RenderTarget interface {
	Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, feedback RTCPWriter)
	Detach()
}
