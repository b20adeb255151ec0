package timeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ComputeEventID returns the sha256 of the canonical serialization
// [0, pubkey, created_at, kind, tags, content] as lowercase hex.
//
// The hash covers the UNESCAPED JSON form: relays serialize without HTML
// escaping, while json.Marshal rewrites <, > and & into \u escapes, changing
// the bytes and therefore the ID. So we go through json.Encoder with
// SetEscapeHTML(false).
func ComputeEventID(evt *Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical := []interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return "", err
	}
	// Encoder.Encode appends a trailing newline, remove it
	b := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	hash := sha256.Sum256(b)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyEvent checks that the event ID matches its content and that the
// Schnorr signature is valid for the author key. Events failing this check
// are dropped before they ever reach an aggregator.
func VerifyEvent(evt *Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return false
	}

	id, err := ComputeEventID(evt)
	if err != nil || id != evt.ID {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}
