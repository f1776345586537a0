package sshchan

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// AuthMethod is an SSH user authentication method name, as advertised by servers. Names this
// package does not know how to use are kept verbatim; see Known.
type AuthMethod string

const (
	AuthPassword            AuthMethod = "password"
	AuthPublicKey           AuthMethod = "publickey"
	AuthKeyboardInteractive AuthMethod = "keyboard-interactive"
)

// Known reports whether m is a method a Credential can satisfy.
func (m AuthMethod) Known() bool {
	switch m {
	case AuthPassword, AuthPublicKey, AuthKeyboardInteractive:
		return true
	}
	return false
}

func (m AuthMethod) String() string {
	if m.Known() {
		return string(m)
	}
	return fmt.Sprintf("unknown(%s)", string(m))
}

// ParseAuthMethods parses a comma-separated method list. Unrecognized names are kept as unknown
// methods; empty entries are dropped.
func ParseAuthMethods(list string) []AuthMethod {
	var methods []AuthMethod
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			methods = append(methods, AuthMethod(name))
		}
	}
	return methods
}

// Credential is the answer of an authentication handler: a secret for one authentication method.
type Credential interface {
	Method() AuthMethod
}

// PasswordCredential authenticates with a password. Servers which only offer keyboard-interactive
// authentication are answered with the same password.
type PasswordCredential struct {
	Password string
}

func (PasswordCredential) Method() AuthMethod { return AuthPassword }

// PublicKeyCredential authenticates with a private key.
type PublicKeyCredential struct {
	Signer ssh.Signer
}

func (PublicKeyCredential) Method() AuthMethod { return AuthPublicKey }

// Password returns a password credential.
func Password(password string) Credential { return PasswordCredential{password} }

// PublicKey returns a public key credential.
func PublicKey(signer ssh.Signer) Credential { return PublicKeyCredential{signer} }

// PublicKeyFile reads a PEM encoded private key from path. An empty passphrase means the key is not
// encrypted.
func PublicKeyFile(path string, passphrase []byte) (Credential, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return PublicKey(signer), nil
}

// offered reports whether the server-advertised methods allow cred to be used.
func offered(methods []AuthMethod, cred Credential) bool {
	for _, m := range methods {
		if m == cred.Method() {
			return true
		}
		if _, ok := cred.(PasswordCredential); ok && m == AuthKeyboardInteractive {
			return true
		}
	}
	return false
}
