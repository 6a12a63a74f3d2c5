package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

// envelopeIDBytes matches a ULID's 128 bits.
const envelopeIDBytes = 16

var envelopeSeq atomic.Uint64

// randomEnvelopeID names an outbound envelope when no ULID could be minted. It is
// random hex, or a clock-and-sequence id when the system random source fails too;
// either way every envelope a client receives carries a non-empty id.
func randomEnvelopeID(now time.Time) string {
	b := make([]byte, envelopeIDBytes)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	return strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(envelopeSeq.Add(1), 36)
}
