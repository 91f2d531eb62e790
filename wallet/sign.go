package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/google/uuid"
)

// Envelope is a signed operation payload. The signature covers
// sha256(nonce || payload) so the nonce cannot be swapped.
type Envelope struct {
	Payload   []byte `json:"payload"`
	Nonce     string `json:"nonce"`
	Signer    string `json:"signer"`
	Signature []byte `json:"signature"`
}

// ParticipantID returns the hex-encoded compressed public key used as a
// participant id.
func ParticipantID(pub *ec.PublicKey) string {
	return hex.EncodeToString(pub.Compressed())
}

// ParseParticipantID decodes a participant id back into its public key.
func ParseParticipantID(id string) (*ec.PublicKey, error) {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 33 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSigner, id)
	}
	pub, err := ec.PublicKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSigner, err)
	}
	return pub, nil
}

func envelopeDigest(nonce string, payload []byte) []byte {
	h := sha256.New()
	h.Write([]byte(nonce))
	h.Write(payload)
	return h.Sum(nil)
}

// Seal signs payload with id under a fresh random nonce.
func Seal(id *Identity, payload []byte) (*Envelope, error) {
	if id == nil || id.PrivateKey == nil {
		return nil, fmt.Errorf("%w: missing signing key", ErrInvalidEnvelope)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}

	nonce := uuid.NewString()
	sig, err := id.PrivateKey.Sign(envelopeDigest(nonce, payload))
	if err != nil {
		return nil, fmt.Errorf("wallet: sign envelope: %w", err)
	}
	return &Envelope{
		Payload:   payload,
		Nonce:     nonce,
		Signer:    ParticipantID(id.PublicKey),
		Signature: sig.Serialize(),
	}, nil
}

// Open verifies env and returns its payload and the signer's participant id.
func Open(env *Envelope) ([]byte, string, error) {
	if env == nil || len(env.Payload) == 0 || env.Nonce == "" {
		return nil, "", ErrInvalidEnvelope
	}
	pub, err := ParseParticipantID(env.Signer)
	if err != nil {
		return nil, "", err
	}
	sig, err := ec.ParseDERSignature(env.Signature)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !sig.Verify(envelopeDigest(env.Nonce, env.Payload), pub) {
		return nil, "", ErrInvalidSignature
	}
	return env.Payload, env.Signer, nil
}
