package mls

import "github.com/glizzus/voicecore/internal/e2ee"

// Roster maps user ids to their current key material.
type Roster map[string][]byte

// Clone returns a copy of r that shares no maps with it.
func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	for user, key := range r {
		out[user] = append([]byte(nil), key...)
	}
	return out
}

// UserIDs returns the members of r.
func (r Roster) UserIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	return ids
}

// Keyring holds the frame ciphers of every member for one epoch.
type Keyring struct {
	Epoch   uint64
	ciphers map[string]*e2ee.FrameCipher
}

func newKeyring(epoch uint64, keys map[string][]byte) (*Keyring, error) {
	k := &Keyring{Epoch: epoch, ciphers: make(map[string]*e2ee.FrameCipher, len(keys))}
	for user, key := range keys {
		c, err := e2ee.NewFrameCipher(key, epoch)
		if err != nil {
			return nil, err
		}
		k.ciphers[user] = c
	}
	return k, nil
}

// Cipher returns the frame cipher for userID.
func (k *Keyring) Cipher(userID string) (*e2ee.FrameCipher, bool) {
	if k == nil {
		return nil, false
	}
	c, ok := k.ciphers[userID]
	return c, ok
}

// Len returns the number of members with keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.ciphers)
}

// State is an immutable view of a session's group at one point in time.
type State struct {
	Epoch           uint64
	ProtocolVersion uint16
	Roster          Roster
	Authenticator   []byte

	// Current encrypts new media. Previous is kept so frames sealed just
	// before a transition still open after it.
	Current  *Keyring
	Previous *Keyring
}

// KeyringFor returns the keyring whose epoch matches.
func (s *State) KeyringFor(epoch uint64) (*Keyring, bool) {
	switch {
	case s.Current != nil && s.Current.Epoch == epoch:
		return s.Current, true
	case s.Previous != nil && s.Previous.Epoch == epoch:
		return s.Previous, true
	}
	return nil, false
}

// Encrypted reports whether media is end-to-end encrypted in this state.
func (s *State) Encrypted() bool {
	return s.ProtocolVersion > 0 && s.Current.Len() > 0
}
