package nest

import (
	"strings"
	"testing"
)

func TestNormalizeCandidate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "well-formed passes through",
			in:   "candidate:1 1 udp 2113939711 1.2.3.4 19305 typ host",
			want: "candidate:1 1 udp 2113939711 1.2.3.4 19305 typ host",
		},
		{
			name: "missing foundation is synthesized from priority",
			in:   "candidate: 1 udp 2113939711 5.6.7.8 19305 typ host",
			want: "candidate:nest2113939711 1 udp 2113939711 5.6.7.8 19305 typ host",
		},
		{
			name: "a= prefix stripped and transport lowercased",
			in:   "a=candidate:3 1 UDP 100 9.9.9.9 1234 typ srflx raddr 1.1.1.1 rport 5678",
			want: "candidate:3 1 udp 100 9.9.9.9 1234 typ srflx raddr 1.1.1.1 rport 5678",
		},
		{
			name: "ssltcp maps to tcp and tcptype is recased",
			in:   "candidate:4 1 ssltcp 90 9.9.9.9 443 TYP relay tcptype passive",
			want: "candidate:4 1 tcp 90 9.9.9.9 443 typ relay tcpType passive",
		},
		{
			name:    "no candidate prefix",
			in:      "m=audio 9 UDP/TLS/RTP/SAVPF 111",
			wantErr: true,
		},
		{
			name:    "non-numeric port",
			in:      "candidate:1 1 udp 100 9.9.9.9 port typ host",
			wantErr: true,
		},
		{
			name:    "non-numeric component",
			in:      "candidate:1 x udp 100 9.9.9.9 1234 typ host",
			wantErr: true,
		},
		{
			name:    "typ token missing",
			in:      "candidate:1 1 udp 100 9.9.9.9 1234 host extra",
			wantErr: true,
		},
		{
			name:    "too few fields",
			in:      "candidate:1 1 udp",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeCandidate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("normalizeCandidate(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeCandidate(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("normalizeCandidate(%q)\n got %q\nwant %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitAnswerCandidates(t *testing.T) {
	sdp := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=-",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=mid:0",
		"a=candidate:1 1 udp 2113939711 1.2.3.4 19305 typ host",
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"a=mid:1",
		"a=candidate: 1 udp 2113939711 5.6.7.8 19305 typ host",
		"",
	}, "\r\n")

	stripped, candidates := splitAnswerCandidates(sdp)

	if strings.Contains(stripped, "a=candidate:") {
		t.Error("candidate lines must be stripped from the SDP")
	}
	if !strings.Contains(stripped, "a=mid:1") {
		t.Error("non-candidate attribute lines must survive")
	}

	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Mid != "0" || candidates[0].MLineIndex != 0 {
		t.Errorf("first candidate tagged (%q, %d), want (0, 0)", candidates[0].Mid, candidates[0].MLineIndex)
	}
	if candidates[1].Mid != "1" || candidates[1].MLineIndex != 1 {
		t.Errorf("second candidate tagged (%q, %d), want (1, 1)", candidates[1].Mid, candidates[1].MLineIndex)
	}
	if candidates[0].Candidate != "candidate:1 1 udp 2113939711 1.2.3.4 19305 typ host" {
		t.Errorf("first candidate rewritten unexpectedly: %q", candidates[0].Candidate)
	}
	if candidates[1].Candidate != "candidate:nest2113939711 1 udp 2113939711 5.6.7.8 19305 typ host" {
		t.Errorf("missing-foundation candidate = %q, want synthesized nest2113939711 foundation", candidates[1].Candidate)
	}
}

func TestSplitAnswerCandidatesDropsUnparseable(t *testing.T) {
	sdp := strings.Join([]string{
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=mid:0",
		"a=candidate:bad",
		"a=candidate:1 1 udp 100 1.2.3.4 19305 typ host",
	}, "\r\n")

	_, candidates := splitAnswerCandidates(sdp)
	if len(candidates) != 1 {
		t.Fatalf("unparseable candidate should be dropped, got %d candidates", len(candidates))
	}
}

func TestPatchOpusCodecName(t *testing.T) {
	sdp := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 OPUS/48000/2\r\n"
	got := patchOpusCodecName(sdp)
	if !strings.Contains(got, "a=rtpmap:111 opus/48000/2") {
		t.Errorf("OPUS not lowercased: %q", got)
	}
	if strings.Contains(got, "OPUS/") {
		t.Errorf("uppercase spelling survived: %q", got)
	}
}
