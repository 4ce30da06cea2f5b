package media

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// VideoCapability maps a configured codec name to the capability of the
// local track.
func VideoCapability(codec string) (webrtc.RTPCodecCapability, error) {
	switch codec {
	case "vp8":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "vp9":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "h264":
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported video codec %q", codec)
}
