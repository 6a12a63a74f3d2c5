package realtime

import (
	"encoding/json"
	"time"

	"pairgate/cmd/internal/pairing"
	v1 "pairgate/shared/contracts/pairing/v1"
)

// EnvelopeFromNotice converts a session notice into its wire envelope.
// It returns false for notice kinds the protocol does not carry.
func EnvelopeFromNotice(n pairing.Notice) (v1.Envelope, bool) {
	var (
		typ     string
		payload any
	)

	switch n.Kind {
	case pairing.NoticeLog:
		typ = v1.TypeLog
		payload = v1.LogPayload{SessionID: n.SessionID, Message: "[" + n.SessionID + "] " + n.Message}

	case pairing.NoticeState:
		typ = v1.TypeSessionState
		payload = v1.SessionStatePayload{SessionID: n.SessionID, State: n.State.String()}

	case pairing.NoticePairingCode:
		typ = v1.TypePairingCode
		payload = v1.PairingCodePayload{
			SessionID: n.SessionID,
			Code:      n.Code,
			Phone:     n.Phone,
			IssuedAt:  n.IssuedAt,
			ExpiresAt: n.ExpiresAt,
		}

	case pairing.NoticePairingExpired:
		typ = v1.TypePairingExpired
		payload = v1.PairingExpiredPayload{SessionID: n.SessionID, ExpiredAt: n.ExpiresAt}

	case pairing.NoticeSessionReady:
		if n.Ready == nil {
			return v1.Envelope{}, false
		}
		groups := make([]v1.Group, 0, len(n.Ready.Groups))
		for _, g := range n.Ready.Groups {
			groups = append(groups, v1.Group{Name: g.Name, Participants: g.Participants})
		}
		typ = v1.TypeSessionReady
		payload = v1.SessionReadyPayload{
			SessionID:    n.SessionID,
			Name:         n.Ready.Name,
			Number:       n.Ready.Number,
			Groups:       groups,
			DownloadURL:  n.Ready.DownloadURL,
			ArchiveSize:  n.Ready.ArchiveSize,
			ArchiveSum:   n.Ready.ArchiveChecksum,
			ArchiveError: n.Ready.ArchiveError,
		}

	case pairing.NoticeSessionEnded:
		typ = v1.TypeSessionEnded
		payload = v1.SessionEndedPayload{SessionID: n.SessionID, Reason: n.Message}

	case pairing.NoticeSessionFailed:
		typ = v1.TypeSessionFailed
		payload = v1.SessionFailedPayload{SessionID: n.SessionID, Phase: n.Phase, Message: n.Message}

	case pairing.NoticeWarning:
		typ = v1.TypeWarning
		payload = v1.WarningPayload{SessionID: n.SessionID, Phase: n.Phase, Code: n.WarningCode, Message: n.Message}

	default:
		return v1.Envelope{}, false
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, false
	}
	ts := n.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env := newEnvelope(typ, b, ts)
	env.SessionID = n.SessionID
	return env, true
}
