package timeline

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Signer fills in the pubkey, ID and signature of an outgoing event. Key
// management lives outside the engine; callers hand in whatever signing
// backend they use (local key, remote signer, hardware).
type Signer func(ctx context.Context, evt *Event) error

// NewLocalSigner builds a Signer from a hex-encoded secret key. Used by the
// CLI and tests; applications normally bring their own Signer.
func NewLocalSigner(secretHex string) (Signer, error) {
	skBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, errors.New("invalid secret key hex")
	}
	if len(skBytes) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}

	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	// x-only pubkey: compressed form without the parity prefix byte
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])

	return func(ctx context.Context, evt *Event) error {
		evt.PubKey = pubHex
		if evt.CreatedAt == 0 {
			evt.CreatedAt = time.Now().Unix()
		}
		if evt.Tags == nil {
			evt.Tags = [][]string{}
		}

		id, err := ComputeEventID(evt)
		if err != nil {
			return err
		}
		evt.ID = id

		idBytes, err := hex.DecodeString(id)
		if err != nil {
			return err
		}
		sig, err := schnorr.Sign(priv, idBytes)
		if err != nil {
			return err
		}
		evt.Sig = hex.EncodeToString(sig.Serialize())
		return nil
	}, nil
}
