// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// MinisignKey is a throwaway legacy ("Ed") minisign key pair.
type MinisignKey struct {
	ID      [8]byte
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func NewMinisignKey() (*MinisignKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k := &MinisignKey{Public: pub, private: priv}
	if _, err := rand.Read(k.ID[:]); err != nil {
		return nil, err
	}
	return k, nil
}

// PublicKeyFile renders the key in minisign .pub format.
func (k *MinisignKey) PublicKeyFile() string {
	return "untrusted comment: minisign public key " + k.IDString() + "\n" + k.PublicKeyBase64() + "\n"
}

func (k *MinisignKey) PublicKeyBase64() string {
	bin := make([]byte, 0, 42)
	bin = append(bin, 'E', 'd')
	bin = append(bin, k.ID[:]...)
	bin = append(bin, k.Public...)
	return base64.StdEncoding.EncodeToString(bin)
}

// IDString is the key id as minisign prints it.
func (k *MinisignKey) IDString() string {
	var b strings.Builder
	for i := len(k.ID) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%02X", k.ID[i])
	}
	return b.String()
}

// Sign produces a detached .minisig document for content.
func (k *MinisignKey) Sign(content []byte, trustedComment string) string {
	sig := ed25519.Sign(k.private, content)
	global := ed25519.Sign(k.private, append(append([]byte{}, sig...), []byte(trustedComment)...))

	bin := make([]byte, 0, 74)
	bin = append(bin, 'E', 'd')
	bin = append(bin, k.ID[:]...)
	bin = append(bin, sig...)

	return "untrusted comment: signature from supdate tests\n" +
		base64.StdEncoding.EncodeToString(bin) + "\n" +
		"trusted comment: " + trustedComment + "\n" +
		base64.StdEncoding.EncodeToString(global) + "\n"
}
