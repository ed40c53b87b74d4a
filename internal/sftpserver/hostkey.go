package sftpserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// generateEd25519PEM produces a fresh ephemeral host key, PEM-encoded in
// the OpenSSH private key format ssh.ParsePrivateKey understands. Used
// when no persistent host key path is configured — acceptable for a
// push-ingestion sidecar where clients don't pin the server's key.
func generateEd25519PEM() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "hub-sftp-server")
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}
