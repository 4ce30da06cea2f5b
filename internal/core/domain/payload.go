package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// SessionDescription decodes an offer or answer payload. The SDP body is not
// parsed here; the peer connection rejects bodies it cannot use.
func (r *SignalRecord) SessionDescription() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if !r.SignalType.IsDescription() {
		return desc, fmt.Errorf("%w: %s record carries no session description", ErrMalformedSignal, r.SignalType)
	}
	if err := json.Unmarshal(r.SignalData, &desc); err != nil {
		return desc, fmt.Errorf("%w: decode %s: %v", ErrMalformedSignal, r.SignalType, err)
	}
	if desc.Type.String() != string(r.SignalType) {
		return desc, fmt.Errorf("%w: %s record holds a %s description", ErrMalformedSignal, r.SignalType, desc.Type)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrMalformedSignal)
	}
	return desc, nil
}

// Candidate decodes an ice-candidate payload in the form produced by
// ICECandidate.ToJSON.
func (r *SignalRecord) Candidate() (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if r.SignalType != KindICECandidate {
		return init, fmt.Errorf("%w: %s record carries no candidate", ErrMalformedSignal, r.SignalType)
	}
	if err := json.Unmarshal(r.SignalData, &init); err != nil {
		return init, fmt.Errorf("%w: decode candidate: %v", ErrMalformedSignal, err)
	}
	if init.Candidate == "" {
		return init, fmt.Errorf("%w: empty candidate", ErrMalformedSignal)
	}
	return init, nil
}
