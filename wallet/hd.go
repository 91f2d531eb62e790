package wallet

import (
	"fmt"

	bip32 "github.com/bsv-blockchain/go-sdk/compat/bip32"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	chaincfg "github.com/bsv-blockchain/go-sdk/transaction/chaincfg"
)

const (
	// BIP44 path constants.
	PurposeBIP44       = 44
	CoinType           = 236
	AuthorityAccount   = 0
	ParticipantAccount = 1

	// ExternalChain is the only chain identities are derived on.
	ExternalChain = 0

	// MaxIdentityIndex is the BIP32 non-hardened maximum.
	MaxIdentityIndex = 1<<31 - 1

	// BIP32 hardened offset.
	Hardened = 0x80000000

	// Network names accepted by NewWallet.
	MainNet = "mainnet"
	TestNet = "testnet"
)

// Wallet derives signing identities from a BIP39 seed.
type Wallet struct {
	masterKey *bip32.ExtendedKey
	network   string
}

// Identity is a derived secp256k1 key pair and the participant id it signs as.
type Identity struct {
	PrivateKey *ec.PrivateKey `json:"-"`
	PublicKey  *ec.PublicKey  `json:"-"`
	Path       string         `json:"path"`
	ID         string         `json:"id"`
}

// NewWallet creates a Wallet from a BIP39 seed. Any network other than
// mainnet derives with testnet version bytes.
func NewWallet(seed []byte, network string) (*Wallet, error) {
	if len(seed) == 0 {
		return nil, ErrInvalidSeed
	}

	params := &chaincfg.TestNet
	if network == "" || network == MainNet {
		network = MainNet
		params = &chaincfg.MainNet
	}

	masterKey, err := bip32.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}
	return &Wallet{masterKey: masterKey, network: network}, nil
}

// Network returns the wallet's network name.
func (w *Wallet) Network() string {
	return w.network
}

// DeriveAuthority derives the engine authority identity: m/44'/236'/0'/0/0
func (w *Wallet) DeriveAuthority() (*Identity, error) {
	return w.derive(AuthorityAccount, 0)
}

// DeriveParticipant derives the participant identity at index: m/44'/236'/1'/0/index
func (w *Wallet) DeriveParticipant(index uint32) (*Identity, error) {
	if index > MaxIdentityIndex {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return w.derive(ParticipantAccount, index)
}

func (w *Wallet) derive(account, index uint32) (*Identity, error) {
	key := w.masterKey
	for depth, child := range []uint32{
		PurposeBIP44 + Hardened,
		CoinType + Hardened,
		account + Hardened,
		ExternalChain,
		index,
	} {
		next, err := key.Child(child)
		if err != nil {
			return nil, fmt.Errorf("%w: depth %d: %w", ErrDerivationFailed, depth+1, err)
		}
		key = next
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to extract EC private key: %w", ErrDerivationFailed, err)
	}
	return NewIdentity(priv, fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", PurposeBIP44, CoinType, account, ExternalChain, index))
}

// NewIdentity wraps a private key. path is informational and may be empty.
func NewIdentity(priv *ec.PrivateKey, path string) (*Identity, error) {
	if priv == nil {
		return nil, ErrDerivationFailed
	}
	pub := priv.PubKey()
	if pub == nil {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrDerivationFailed)
	}
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		Path:       path,
		ID:         ParticipantID(pub),
	}, nil
}
