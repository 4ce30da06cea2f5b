package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"peerlink/internal/core/ports"
	"peerlink/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var packetBuffers = optimize.NewBytePool(maxPacketSize)

// UDPSink forwards the RTP of every attached remote track to one UDP address
// and periodically requests keyframes from the sender. Tracks are keyed by
// SSRC.
type UDPSink struct {
	conn        *net.UDPConn
	pliInterval time.Duration
	metrics     ports.SignalingMetrics
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	tracks map[uint32]context.CancelFunc
	closed bool
}

func NewUDPSink(forwardAddress string, pliInterval time.Duration, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) (*UDPSink, error) {
	addr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", forwardAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", forwardAddress, err)
	}

	return &UDPSink{
		conn:        conn,
		pliInterval: pliInterval,
		metrics:     metrics,
		logger:      logger,
		tracks:      make(map[uint32]context.CancelFunc),
	}, nil
}

// Attach starts forwarding track alongside any tracks already attached. A
// track with the same SSRC as an attached one replaces it. The read loops end
// when the owning peer connection is closed.
func (s *UDPSink) Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, feedback ports.RTCPWriter) {
	if track == nil {
		return
	}
	ssrc := uint32(track.SSRC())

	ctx := s.register(ssrc)
	if ctx == nil {
		return
	}

	s.logger.Infow("track attached",
		"ssrc", ssrc,
		"codec", track.Codec().MimeType,
	)

	go s.forward(ctx, track)
	if receiver != nil {
		go s.readRTCP(ctx, receiver)
	}
	if feedback != nil && s.pliInterval > 0 {
		go s.requestKeyframes(ctx, ssrc, feedback)
	}
}

// register returns the context that bounds the loops of ssrc, cancelling the
// loops of an earlier track with the same SSRC. It returns nil once closed.
func (s *UDPSink) register(ssrc uint32) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if cancel, ok := s.tracks[ssrc]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tracks[ssrc] = cancel
	return ctx
}

// Detach stops forwarding every attached track.
func (s *UDPSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ssrc, cancel := range s.tracks {
		cancel()
		delete(s.tracks, ssrc)
		s.logger.Infow("track detached", "ssrc", ssrc)
	}
}

func (s *UDPSink) Close() error {
	s.Detach()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *UDPSink) forward(ctx context.Context, track *webrtc.TrackRemote) {
	pending := 0
	defer func() {
		if pending > 0 {
			s.metrics.RecordMediaPackets("egress", pending)
		}
	}()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		buf := packetBuffers.Get()
		n, err := packet.MarshalTo(*buf)
		if err != nil {
			packetBuffers.Put(buf)
			s.logger.Debugw("dropping unmarshalable rtp packet", "size", packet.MarshalSize(), "error", err)
			continue
		}
		_, err = s.conn.Write((*buf)[:n])
		packetBuffers.Put(buf)
		if err != nil {
			s.logger.Debugw("failed to forward rtp", "error", err)
			continue
		}

		pending++
		if pending >= metricsBatch {
			s.metrics.RecordMediaPackets("egress", pending)
			pending = 0
		}
	}
}

func (s *UDPSink) readRTCP(ctx context.Context, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.SenderReport:
				s.logger.Debugw("sender report",
					"ssrc", p.SSRC,
					"packet_count", p.PacketCount,
					"octet_count", p.OctetCount,
				)
			case *rtcp.Goodbye:
				s.logger.Infow("sender said goodbye", "sources", p.Sources)
			}
		}
	}
}

func (s *UDPSink) requestKeyframes(ctx context.Context, ssrc uint32, feedback ports.RTCPWriter) {
	ticker := time.NewTicker(s.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := feedback.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				s.logger.Debugw("failed to send keyframe request", "error", err)
			}
		}
	}
}

var _ ports.RenderTarget = (*UDPSink)(nil)
