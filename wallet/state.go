package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StateFileName is the identity registry file inside the data directory.
const StateFileName = "identities.json"

// Account names a derived participant identity.
type Account struct {
	Name  string `json:"name"`
	Index uint32 `json:"index"` // BIP44 address index on the participant account
	ID    string `json:"id"`    // Participant id (hex compressed pubkey)
}

// State holds persisted wallet metadata. Keys are never stored; they are
// re-derived from the seed.
type State struct {
	Network   string    `json:"network"`
	Accounts  []Account `json:"accounts"`
	NextIndex uint32    `json:"next_index"`
}

// NewState creates an empty State for network.
func NewState(network string) *State {
	return &State{Network: network, Accounts: []Account{}}
}

// Validate checks the integrity of a deserialized State.
func (s *State) Validate() error {
	names := make(map[string]struct{}, len(s.Accounts))
	indices := make(map[uint32]string, len(s.Accounts))

	for _, a := range s.Accounts {
		if a.Name == "" {
			return fmt.Errorf("%w: account at index %d has no name", ErrInvalidState, a.Index)
		}
		if a.Index > MaxIdentityIndex {
			return fmt.Errorf("%w: account %q: %w", ErrInvalidState, a.Name, ErrIndexOutOfRange)
		}
		if _, ok := names[a.Name]; ok {
			return fmt.Errorf("%w: duplicate account name %q", ErrInvalidState, a.Name)
		}
		names[a.Name] = struct{}{}
		if prev, ok := indices[a.Index]; ok {
			return fmt.Errorf("%w: duplicate index %d: accounts %q and %q", ErrInvalidState, a.Index, prev, a.Name)
		}
		indices[a.Index] = a.Name

		// NextIndex must stay ahead of every allocated index to avoid reuse.
		if a.Index >= s.NextIndex {
			return fmt.Errorf("%w: next_index %d not beyond allocated index %d", ErrInvalidState, s.NextIndex, a.Index)
		}
	}
	return nil
}

// CreateIdentity allocates the next participant index under name and
// derives its identity.
func (w *Wallet) CreateIdentity(state *State, name string) (*Identity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidState)
	}
	if state.NextIndex > MaxIdentityIndex {
		return nil, ErrIndexOutOfRange
	}
	for _, a := range state.Accounts {
		if a.Name == name {
			return nil, fmt.Errorf("%w: %q", ErrIdentityExists, name)
		}
	}

	id, err := w.DeriveParticipant(state.NextIndex)
	if err != nil {
		return nil, err
	}
	state.Accounts = append(state.Accounts, Account{Name: name, Index: state.NextIndex, ID: id.ID})
	state.NextIndex++
	return id, nil
}

// Identity re-derives the named identity.
func (w *Wallet) Identity(state *State, name string) (*Identity, error) {
	for _, a := range state.Accounts {
		if a.Name == name {
			return w.DeriveParticipant(a.Index)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrIdentityNotFound, name)
}

// Lookup returns the account named name.
func (s *State) Lookup(name string) (*Account, error) {
	for i := range s.Accounts {
		if s.Accounts[i].Name == name {
			return &s.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrIdentityNotFound, name)
}

// LoadState reads dir/identities.json. A missing file yields an empty State.
func LoadState(dir, network string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return NewState(network), nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState writes s to dir/identities.json.
func SaveState(dir string, s *State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: encode state: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("wallet: create directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFileName), data, 0600); err != nil {
		return fmt.Errorf("wallet: write state: %w", err)
	}
	return nil
}
