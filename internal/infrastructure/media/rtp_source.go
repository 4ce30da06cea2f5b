package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"peerlink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	maxPacketSize = 1500
	// Packet counts are flushed to metrics in batches.
	metricsBatch = 100
)

// RTPSource reads RTP packets from a UDP socket and writes them into a
// local static track. Ready is closed once the first packet arrives.
type RTPSource struct {
	conn    *net.UDPConn
	track   *webrtc.TrackLocalStaticRTP
	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

func NewRTPSource(listenAddress, codec string, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) (*RTPSource, error) {
	capability, err := VideoCapability(codec)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, "video", "peerlink")
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", listenAddress, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddress, err)
	}

	logger.Infow("rtp source listening",
		"address", conn.LocalAddr().String(),
		"codec", capability.MimeType,
	)

	return &RTPSource{
		conn:    conn,
		track:   track,
		metrics: metrics,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

func (s *RTPSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *RTPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Ready is closed when the first valid packet has been written to the track.
func (s *RTPSource) Ready() <-chan struct{} {
	return s.ready
}

// Run forwards packets until ctx is cancelled or the socket is closed.
func (s *RTPSource) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	buf := make([]byte, maxPacketSize)
	pending := 0
	defer func() {
		if pending > 0 {
			s.metrics.RecordMediaPackets("ingress", pending)
		}
	}()

	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read rtp: %w", err)
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping invalid rtp packet", "size", n, "error", err)
			continue
		}

		if err := s.track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warnw("failed to write rtp to track", "error", err)
			continue
		}

		s.readyOnce.Do(func() {
			s.logger.Infow("rtp source ready", "ssrc", packet.SSRC, "payload_type", packet.PayloadType)
			close(s.ready)
		})

		pending++
		if pending >= metricsBatch {
			s.metrics.RecordMediaPackets("ingress", pending)
			pending = 0
		}
	}
}

func (s *RTPSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

var _ ports.MediaSource = (*RTPSource)(nil)
