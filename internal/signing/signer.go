// Package signing produces and verifies HMAC-SHA256 webhook signatures.
//
// The signed message is "{unix_timestamp}.{canonical_json_payload}". The
// canonical form has sorted keys and no insignificant whitespace, so a
// receiver in any language can rebuild the exact bytes and recompute the
// MAC. Verify is the reference algorithm for receivers.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries "sha256=<hex-hmac>" on outbound requests.
	SignatureHeader = "X-Webhook-Signature"
	// TimestampHeader carries the signing time as unix seconds.
	TimestampHeader = "X-Webhook-Timestamp"

	sigPrefix = "sha256="

	// DefaultTolerance is the replay-attack window for Verify.
	DefaultTolerance = 300 * time.Second
)

// Canonicalize serializes payload deterministically: encoding/json emits
// map keys in sorted order at every nesting level and adds no whitespace,
// which is exactly the canonical form the signature contract requires.
func Canonicalize(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return b, nil
}

// Sign canonicalizes payload and returns the signature headers to merge
// into the outbound request.
func Sign(payload map[string]any, secret string) (map[string]string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	return SignRaw(canonical, secret, time.Now()), nil
}

// SignRaw signs already-canonical payload bytes at the given time.
func SignRaw(canonical []byte, secret string, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		SignatureHeader: sigPrefix + compute(secret, ts, canonical),
		TimestampHeader: ts,
	}
}

// Verify checks a received signature against the raw request body. The
// timestamp must parse as unix seconds and lie within tolerance of now;
// an optional "sha256=" prefix on the signature is accepted. Comparison
// is constant-time. A zero tolerance means DefaultTolerance.
func Verify(rawPayload []byte, signature, timestamp, secret string, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Now().Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance.Seconds()) {
		return false
	}

	got := signature
	if len(got) >= len(sigPrefix) && got[:len(sigPrefix)] == sigPrefix {
		got = got[len(sigPrefix):]
	}
	want := compute(secret, timestamp, rawPayload)
	return hmac.Equal([]byte(got), []byte(want))
}

func compute(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
