package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestConnStateGetSet(t *testing.T) {
	var cs connState
	if got := cs.get(); got != webrtc.PeerConnectionStateNew {
		t.Fatalf("zero value = %v, want New", got)
	}
	cs.set(webrtc.PeerConnectionStateConnected)
	if got := cs.get(); got != webrtc.PeerConnectionStateConnected {
		t.Fatalf("get() = %v, want Connected", got)
	}
}

func TestPendingCandidatesQueuesBeforeRemoteSet(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	defer pc.Close()

	var p pendingCandidates
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 1 127.0.0.1 9 typ host"}

	// Before a remote description exists, AddICECandidate would fail, so
	// queuing (not applying) is the only safe behavior.
	if err := p.add(pc, cand); err != nil {
		t.Fatalf("add before remote set: %v", err)
	}
	p.mu.Lock()
	queued := len(p.queued)
	p.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued candidate, got %d", queued)
	}
}

func TestStunConfigUsesBundleAndRTCPMux(t *testing.T) {
	cfg := stunConfig()
	if cfg.BundlePolicy != webrtc.BundlePolicyMaxBundle {
		t.Errorf("expected max-bundle policy, got %v", cfg.BundlePolicy)
	}
	if cfg.RTCPMuxPolicy != webrtc.RTCPMuxPolicyRequire {
		t.Errorf("expected rtcp-mux required, got %v", cfg.RTCPMuxPolicy)
	}
	if len(cfg.ICEServers) != 1 {
		t.Errorf("expected exactly one STUN server, got %d", len(cfg.ICEServers))
	}
}
