package cloud

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// sshKeyState is the RSA key pair every cloud adapter installs on newly
// created nodes, lazily generated once and reused across calls.
type sshKeyState struct {
	signer ssh.Signer
	public ssh.PublicKey
}

// loadOrGenerateSSHKey looks for the first yakey* file under keysDir,
// parsing it as a private key if found; otherwise it generates a fresh
// RSA-2048 key pair and writes it to keysDir mode 0600.
func loadOrGenerateSSHKey(keysDir string) (sshKeyState, error) {
	entries, err := os.ReadDir(keysDir)
	if err != nil && !os.IsNotExist(err) {
		return sshKeyState{}, fmt.Errorf("reading keys dir %s: %w", keysDir, err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), "yakey") {
			continue
		}
		path := filepath.Join(keysDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return sshKeyState{}, fmt.Errorf("reading key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return sshKeyState{}, fmt.Errorf("parsing key %s: %w", path, err)
		}
		return sshKeyState{signer: signer, public: signer.PublicKey()}, nil
	}

	return generateAndSaveSSHKey(keysDir)
}

func generateAndSaveSSHKey(keysDir string) (sshKeyState, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return sshKeyState{}, fmt.Errorf("generating ssh key: %w", err)
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return sshKeyState{}, fmt.Errorf("creating keys dir %s: %w", keysDir, err)
	}

	name := "yakey-" + randomNodeName("")[1:]
	path := filepath.Join(keysDir, name)

	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return sshKeyState{}, fmt.Errorf("writing key %s: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return sshKeyState{}, fmt.Errorf("building signer: %w", err)
	}
	return sshKeyState{signer: signer, public: signer.PublicKey()}, nil
}

// keyMu-guarded key lazily initialized via ensureKey on a Manager.
func (m *Manager) ensureKey() (sshKeyState, error) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if m.sshKey.public != nil {
		return m.sshKey, nil
	}
	key, err := loadOrGenerateSSHKey(m.keysDir)
	if err != nil {
		return sshKeyState{}, err
	}
	m.sshKey = key
	return key, nil
}
