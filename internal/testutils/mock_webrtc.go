package testutils

import (
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

var ErrPeerClosed = errors.New("peer connection closed")

// MockPeerConnection records what a connection attempt does to it and lets
// a test play the transport: emit local candidates and change state.
// Callbacks fire on their own goroutines, as pion's do.
type MockPeerConnection struct {
	mu sync.Mutex

	ID    int
	Label string

	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	remoteSet int
	added     []webrtc.ICECandidateInit
	tracks    []webrtc.TrackLocal
	rtcp      []rtcp.Packet
	state     webrtc.PeerConnectionState
	closed    bool

	sdp             string
	localCandidates int
	autoConnect     bool
	rejectCandidate func(webrtc.ICECandidateInit) error
	remoteErr       error

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (m *MockPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPeerClosed
	}
	m.tracks = append(m.tracks, track)
	return nil, nil
}

func (m *MockPeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return m.describe(webrtc.SDPTypeOffer)
}

func (m *MockPeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	hasOffer := m.remote != nil && m.remote.Type == webrtc.SDPTypeOffer
	m.mu.Unlock()
	if !hasOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return m.describe(webrtc.SDPTypeAnswer)
}

func (m *MockPeerConnection) describe(t webrtc.SDPType) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	sdp := m.sdp
	if sdp == "" {
		sdp = fmt.Sprintf("v=0 %s %s-%d", t, m.Label, m.ID)
	}
	return webrtc.SessionDescription{Type: t, SDP: sdp}, nil
}

func (m *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPeerClosed
	}
	m.local = &desc
	n := m.localCandidates
	onICE := m.onICE
	connect := m.autoConnect && m.remote != nil
	m.mu.Unlock()

	if onICE != nil && n > 0 {
		go func() {
			for i := 0; i < n; i++ {
				c := HostCandidate(i)
				onICE(&c)
			}
			onICE(nil)
		}()
	}
	if connect {
		m.SetConnectionState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPeerClosed
	}
	if m.remoteErr != nil {
		m.mu.Unlock()
		return m.remoteErr
	}
	m.remote = &desc
	m.remoteSet++
	connect := m.autoConnect && m.local != nil
	m.mu.Unlock()

	if connect {
		m.SetConnectionState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (m *MockPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPeerClosed
	}
	if m.remote == nil {
		return errors.New("remote description not set")
	}
	if m.rejectCandidate != nil {
		if err := m.rejectCandidate(candidate); err != nil {
			return err
		}
	}
	m.added = append(m.added, candidate)
	return nil
}

func (m *MockPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = f
}

func (m *MockPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = f
}

func (m *MockPeerConnection) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = f
}

func (m *MockPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockPeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPeerClosed
	}
	m.rtcp = append(m.rtcp, pkts...)
	return nil
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.SetConnectionState(webrtc.PeerConnectionStateClosed)
	return nil
}

// SetConnectionState moves the transport and notifies the handler.
func (m *MockPeerConnection) SetConnectionState(s webrtc.PeerConnectionState) {
	m.mu.Lock()
	m.state = s
	onState := m.onState
	m.mu.Unlock()

	if onState != nil {
		go onState(s)
	}
}

// EmitTrack reports an inbound track. The track may be nil.
func (m *MockPeerConnection) EmitTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	m.mu.Lock()
	onTrack := m.onTrack
	m.mu.Unlock()

	if onTrack != nil {
		go onTrack(track, receiver)
	}
}

func (m *MockPeerConnection) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *MockPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// RemoteSetCount is how many times a remote description was applied.
func (m *MockPeerConnection) RemoteSetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteSet
}

// AddedCandidates returns the remote candidates applied, in order.
func (m *MockPeerConnection) AddedCandidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.added))
	for _, c := range m.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (m *MockPeerConnection) Tracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

func (m *MockPeerConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// HostCandidate returns a deterministic local host candidate.
func HostCandidate(i int) webrtc.ICECandidate {
	return webrtc.ICECandidate{
		Foundation: fmt.Sprintf("%d", i+1),
		Priority:   2130706431,
		Address:    "192.0.2.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       uint16(50000 + i),
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

// MockPeerFactory builds MockPeerConnections and keeps every one it built.
type MockPeerFactory struct {
	mu sync.Mutex

	Label           string
	AutoConnect     bool
	LocalCandidates int
	// SDPs are handed to connections in creation order. Once exhausted,
	// connections describe themselves by label and id.
	SDPs            []string
	RejectCandidate func(webrtc.ICECandidateInit) error
	RemoteErr       error
	Err             error

	created         []*MockPeerConnection
	maxLiveAtCreate int
}

func (f *MockPeerFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	live := 0
	for _, prev := range f.created {
		if !prev.IsClosed() {
			live++
		}
	}
	if live > f.maxLiveAtCreate {
		f.maxLiveAtCreate = live
	}

	pc := &MockPeerConnection{
		ID:              len(f.created) + 1,
		Label:           f.Label,
		state:           webrtc.PeerConnectionStateNew,
		localCandidates: f.LocalCandidates,
		autoConnect:     f.AutoConnect,
		rejectCandidate: f.RejectCandidate,
		remoteErr:       f.RemoteErr,
	}
	if len(f.SDPs) > 0 {
		pc.sdp = f.SDPs[0]
		f.SDPs = f.SDPs[1:]
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *MockPeerFactory) Created() []*MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockPeerConnection(nil), f.created...)
}

// Last returns the newest connection, or nil.
func (f *MockPeerFactory) Last() *MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// MaxLiveAtCreate is the largest number of open connections seen at the
// moment a new one was requested.
func (f *MockPeerFactory) MaxLiveAtCreate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLiveAtCreate
}

// LiveCount counts connections not yet closed.
func (f *MockPeerFactory) LiveCount() int {
	n := 0
	for _, pc := range f.Created() {
		if !pc.IsClosed() {
			n++
		}
	}
	return n
}

// MockMediaSource serves a fixed set of local tracks.
type MockMediaSource struct {
	TrackList []webrtc.TrackLocal
}

func (s *MockMediaSource) Tracks() []webrtc.TrackLocal {
	return s.TrackList
}

// NewMockMediaSource returns a source with one VP8 video track.
func NewMockMediaSource() (*MockMediaSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "peerlink",
	)
	if err != nil {
		return nil, err
	}
	return &MockMediaSource{TrackList: []webrtc.TrackLocal{track}}, nil
}

type MockRenderTarget struct {
	mock.Mock
}

func (m *MockRenderTarget) Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, feedback ports.RTCPWriter) {
	m.Called(track, receiver, feedback)
}

func (m *MockRenderTarget) Detach() {
	m.Called()
}
