package dicom

import (
	"crypto/sha256"
	"math/big"
	"strings"
)

// UIDHasher derives anonymous UIDs: the decimal rendering of the first 16
// bytes of SHA-256(salt || value) under the 2.25 UUID root. A fixed salt
// always maps the same input to the same UID, so instances of one study
// keep their referential integrity across runs and restarts.
type UIDHasher struct {
	salt string
}

// NewUIDHasher returns a hasher seeded with salt.
func NewUIDHasher(salt string) *UIDHasher { return &UIDHasher{salt: salt} }

// Hash maps an original UID (or any identifier) to its replacement UID.
// The result is at most 44 characters, inside the 64-character UI limit.
func (h *UIDHasher) Hash(value string) string {
	sum := sha256.Sum256([]byte(h.salt + value))
	n := new(big.Int).SetBytes(sum[:16])
	return "2.25." + n.String()
}

// SanitizeUID replaces every byte outside [A-Za-z0-9.-] with '_' so a UID
// can serve as a path component.
func SanitizeUID(uid string) string {
	var b strings.Builder
	b.Grow(len(uid))
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
