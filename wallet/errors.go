package wallet

import "errors"

var (
	// ErrInvalidMnemonic indicates the mnemonic fails BIP39 validation.
	ErrInvalidMnemonic = errors.New("wallet: invalid BIP39 mnemonic")

	// ErrInvalidEntropy indicates entropy bits is not 128 or 256.
	ErrInvalidEntropy = errors.New("wallet: entropy bits must be 128 or 256")

	// ErrIndexOutOfRange indicates an identity index past the BIP32 non-hardened max.
	ErrIndexOutOfRange = errors.New("wallet: identity index exceeds maximum (2^31-1)")

	// ErrIdentityNotFound indicates the named identity does not exist.
	ErrIdentityNotFound = errors.New("wallet: identity not found")

	// ErrIdentityExists indicates the identity name is already taken.
	ErrIdentityExists = errors.New("wallet: identity already exists")

	// ErrDecryptionFailed indicates wrong password or corrupted wallet data.
	ErrDecryptionFailed = errors.New("wallet: seed decryption failed (wrong password or corrupted data)")

	// ErrChecksumMismatch indicates seed checksum verification failed after decryption.
	ErrChecksumMismatch = errors.New("wallet: seed checksum mismatch")

	// ErrInvalidSeed indicates the seed is empty or invalid.
	ErrInvalidSeed = errors.New("wallet: invalid seed")

	// ErrDerivationFailed indicates BIP32 key derivation failed.
	ErrDerivationFailed = errors.New("wallet: key derivation failed")

	// ErrInvalidSigner indicates an envelope signer that is not a compressed public key.
	ErrInvalidSigner = errors.New("wallet: invalid signer public key")

	// ErrInvalidSignature indicates a malformed or non-verifying envelope signature.
	ErrInvalidSignature = errors.New("wallet: invalid signature")

	// ErrInvalidEnvelope indicates an envelope missing its payload or nonce.
	ErrInvalidEnvelope = errors.New("wallet: invalid envelope")

	// ErrInvalidState indicates a wallet state file that fails validation.
	ErrInvalidState = errors.New("wallet: invalid wallet state")
)
