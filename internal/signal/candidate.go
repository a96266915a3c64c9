package signal

import "github.com/pion/webrtc/v4"

// CandidateFromICE converts a pion candidate to its wire form.
func CandidateFromICE(ci webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

// ICE converts a wire candidate back to the pion form.
func (c Candidate) ICE() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
