package sshchan

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HashAlgorithm selects the digest used to fingerprint a server's host key.
type HashAlgorithm int

const (
	HashMD5 HashAlgorithm = iota + 1
	HashSHA1
	HashSHA256
)

// Size is the digest length in bytes.
func (a HashAlgorithm) Size() int {
	switch a {
	case HashMD5:
		return md5.Size
	case HashSHA1:
		return sha1.Size
	case HashSHA256:
		return sha256.Size
	}
	return 0
}

func (a HashAlgorithm) String() string {
	switch a {
	case HashMD5:
		return "md5"
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	}
	return fmt.Sprintf("HashAlgorithm(%d)", int(a))
}

// ParseHashAlgorithm parses "md5", "sha1" or "sha256", case-insensitively.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "md5":
		return HashMD5, nil
	case "sha1":
		return HashSHA1, nil
	case "sha256":
		return HashSHA256, nil
	}
	return 0, fmt.Errorf("unknown fingerprint algorithm %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *HashAlgorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseHashAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Fingerprint is a digest of a server's host key, formatted as uppercase hex without separators.
type Fingerprint struct {
	Algorithm HashAlgorithm
	Hex       string
}

func (f Fingerprint) String() string { return f.Hex }

// newFingerprint formats a digest returned by SecureSession.HostKeyHash.
func newFingerprint(alg HashAlgorithm, sum []byte) (Fingerprint, error) {
	if len(sum) == 0 || len(sum) != alg.Size() {
		return Fingerprint{}, Unknown("unexpected %v host key digest length %d", alg, len(sum))
	}
	return Fingerprint{alg, fmt.Sprintf("%X", sum)}, nil
}

// hostKeyHash digests the wire form of key.
func hostKeyHash(alg HashAlgorithm, key ssh.PublicKey) []byte {
	if key == nil {
		return nil
	}
	b := key.Marshal()
	switch alg {
	case HashMD5:
		sum := md5.Sum(b)
		return sum[:]
	case HashSHA1:
		sum := sha1.Sum(b)
		return sum[:]
	case HashSHA256:
		sum := sha256.Sum256(b)
		return sum[:]
	}
	return nil
}
