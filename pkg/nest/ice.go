package nest

import (
	"fmt"
	"strconv"
	"strings"
)

// normalizeCandidate rewrites one Nest candidate line into a form the
// pion ICE parser accepts. Nest's SDM answers sometimes omit the
// foundation field, use nonstandard transport spellings (SSLTCP, mixed
// case), and carry attribute keys in casings the parser rejects; each
// candidate is fixed up individually before being added via trickle ICE.
func normalizeCandidate(line string) (string, error) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "a=")

	const prefix = "candidate:"
	if !strings.HasPrefix(s, prefix) {
		return "", fmt.Errorf("missing candidate: prefix")
	}
	rest := s[len(prefix):]

	fields := strings.Fields(rest)
	if len(fields) < 6 {
		return "", fmt.Errorf("too few candidate fields")
	}

	typIdx := -1
	for i, f := range fields {
		if strings.EqualFold(f, "typ") {
			typIdx = i
			break
		}
	}

	var foundation, component, transport, priority, ip, port, candType string
	var extra []string

	switch typIdx {
	case 6:
		// Has foundation: fields[0]=foundation, [1]=component, [2]=transport,
		// [3]=priority, [4]=ip, [5]=port, [6]="typ", [7]=type.
		if len(fields) < 8 {
			return "", fmt.Errorf("malformed candidate with foundation")
		}
		foundation = fields[0]
		component, transport, priority, ip, port = fields[1], fields[2], fields[3], fields[4], fields[5]
		candType = fields[7]
		extra = fields[8:]
	case 5:
		// Missing foundation: fields[0]=component, [1]=transport,
		// [2]=priority, [3]=ip, [4]=port, [5]="typ", [6]=type.
		if len(fields) < 7 {
			return "", fmt.Errorf("malformed candidate without foundation")
		}
		component, transport, priority, ip, port = fields[0], fields[1], fields[2], fields[3], fields[4]
		candType = fields[6]
		extra = fields[7:]
		foundation = "nest" + priority
	default:
		return "", fmt.Errorf("could not locate typ token")
	}

	if _, err := strconv.Atoi(component); err != nil {
		return "", fmt.Errorf("invalid component id %q: %w", component, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid port %q: %w", port, err)
	}

	transport = strings.ToLower(transport)
	if transport == "ssltcp" {
		transport = "tcp"
	}
	candType = strings.ToLower(candType)

	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %s %s %s %s %s typ %s",
		foundation, component, transport, priority, ip, port, candType)

	for i := 0; i < len(extra); i++ {
		key := extra[i]
		switch strings.ToLower(key) {
		case "tcptype":
			b.WriteString(" tcpType")
		case "raddr":
			b.WriteString(" raddr")
		case "rport":
			b.WriteString(" rport")
		default:
			b.WriteByte(' ')
			b.WriteString(key)
		}
		if i+1 < len(extra) {
			i++
			b.WriteByte(' ')
			b.WriteString(extra[i])
		}
	}

	return b.String(), nil
}

// pendingCandidate is one ICE candidate line extracted from a Nest SDP
// answer, tagged with the mid/m-line index it belongs to.
type pendingCandidate struct {
	Candidate  string
	Mid        string
	MLineIndex uint16
}

// splitAnswerCandidates strips candidate lines from a Nest SDP answer and
// returns the stripped SDP plus the extracted, normalized candidates,
// each tagged with the mid and m-line index in effect where it appeared.
func splitAnswerCandidates(sdp string) (strippedSDP string, candidates []pendingCandidate) {
	lines := strings.Split(sdp, "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(sdp, "\n")
	}

	var kept []string
	currentMid := ""
	mlineIndex := -1

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, "m="):
			mlineIndex++
			kept = append(kept, line)
		case strings.HasPrefix(trimmed, "a=mid:"):
			currentMid = strings.TrimPrefix(trimmed, "a=mid:")
			kept = append(kept, line)
		case strings.HasPrefix(trimmed, "a=candidate:"):
			norm, err := normalizeCandidate(trimmed)
			if err != nil {
				continue
			}
			idx := mlineIndex
			if idx < 0 {
				idx = 0
			}
			candidates = append(candidates, pendingCandidate{
				Candidate:  norm,
				Mid:        currentMid,
				MLineIndex: uint16(idx),
			})
		default:
			kept = append(kept, line)
		}
	}

	return strings.Join(kept, "\r\n"), candidates
}
