package overlay

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

// IdentityPath is where the node's identity blob lives. The identity — and
// with it the overlay address — is stable for as long as this file is.
const IdentityPath = "./.nodedata"

// Identity is a node's long-term keypair. The overlay address is derived
// from the public key, so the address is as persistent as the identity.
type Identity struct {
	Private [32]byte
	Public  [32]byte
}

// LoadOrCreateIdentity reads the identity blob, creating a fresh one on
// first run.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != 32 {
			return nil, fmt.Errorf("identity blob %s is %d bytes, want 32", path, len(raw))
		}
		id := &Identity{}
		copy(id.Private[:], raw)
		pub, err := curve25519.X25519(id.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
		copy(id.Public[:], pub)
		return id, nil

	case os.IsNotExist(err):
		id := &Identity{}
		if _, err := rand.Read(id.Private[:]); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		pub, err := curve25519.X25519(id.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
		copy(id.Public[:], pub)
		if err := os.WriteFile(path, id.Private[:], 0600); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		return id, nil

	default:
		return nil, fmt.Errorf("read identity blob: %w", err)
	}
}

// Address derives the node's stable overlay address: an fd00::/8 unique
// local IPv6 whose trailing 15 bytes come from a blake2s digest of the
// public key.
func (id *Identity) Address() netip.Addr {
	sum := blake2s.Sum256(id.Public[:])
	var addr [16]byte
	addr[0] = 0xfd
	copy(addr[1:], sum[:15])
	return netip.AddrFrom16(addr)
}
