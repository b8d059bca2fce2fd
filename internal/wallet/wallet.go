// Package wallet implements the wallet session: a scrypt-derived,
// AES-GCM-encrypted keystore and an in-memory signer guarded by an
// RWMutex, with unlock/lock/rotate operations that track an
// UnlockSession row in the state store.
package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/scrypt"

	"github.com/aethernet/core/internal/audit"
	"github.com/aethernet/core/internal/state"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
	minPassLen   = 12
	minCharClass = 3
)

// keystoreFile is the on-disk encrypted keystore format.
type keystoreFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store is the narrow state-store surface the wallet session consumes.
type Store interface {
	InsertUnlockSession(ctx context.Context, u state.UnlockSession) (string, error)
	RevokeUnlockSession(ctx context.Context, id string) error
	ActiveUnlockSession(ctx context.Context, now time.Time) (state.UnlockSession, bool, error)
}

type signer struct {
	privateKey ed25519.PrivateKey
	address    string
}

// Manager is the wallet session: the keystore path, the currently loaded
// signer (if unlocked), and the session expiry.
type Manager struct {
	mu            sync.RWMutex
	keystorePath  string
	store         Store
	activeSigner  *signer
	unlockedUntil time.Time
	sessionID     string
}

func New(keystorePath string, store Store) *Manager {
	return &Manager{keystorePath: keystorePath, store: store}
}

// Unlock decrypts the keystore, loads the signer into memory, revokes the
// UnlockSession this manager opened before (if any), and opens a new one
// expiring after ttl.
func (m *Manager) Unlock(ctx context.Context, passphrase string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := loadAndDecrypt(m.keystorePath, passphrase)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	if m.store != nil {
		if m.sessionID != "" {
			if err := m.store.RevokeUnlockSession(ctx, m.sessionID); err != nil {
				return fmt.Errorf("unlock: revoke prior session: %w", err)
			}
			m.sessionID = ""
		}
		id, err := m.store.InsertUnlockSession(ctx, state.UnlockSession{
			Address:   s.address,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(ttl),
		})
		if err != nil {
			return fmt.Errorf("unlock: record session: %w", err)
		}
		m.sessionID = id
	}

	m.activeSigner = s
	m.unlockedUntil = time.Now().Add(ttl)
	audit.Record("allow", "wallet.unlock", "session_opened", "", s.address)
	return nil
}

// Lock discards the in-memory signer and revokes the active session.
func (m *Manager) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(ctx)
}

func (m *Manager) lockLocked(ctx context.Context) error {
	addr := ""
	if m.activeSigner != nil {
		addr = m.activeSigner.address
	}
	m.activeSigner = nil
	m.unlockedUntil = time.Time{}
	if m.store != nil && m.sessionID != "" {
		if err := m.store.RevokeUnlockSession(ctx, m.sessionID); err != nil {
			return fmt.Errorf("lock: revoke session: %w", err)
		}
	}
	m.sessionID = ""
	audit.Record("allow", "wallet.lock", "session_closed", "", addr)
	return nil
}

// IsUnlocked reports whether a signer is loaded and its session has not
// expired.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSigner != nil && time.Now().Before(m.unlockedUntil)
}

// Rotate re-encrypts the keystore under a new passphrase and locks the
// wallet. The new passphrase must differ from the old, be at least 12
// characters, and span at least 3 character classes.
func (m *Manager) Rotate(ctx context.Context, oldPassphrase, newPassphrase string) error {
	if oldPassphrase == newPassphrase {
		return fmt.Errorf("rotate: new passphrase must differ from the old")
	}
	if err := validatePassphraseStrength(newPassphrase); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := loadAndDecrypt(m.keystorePath, oldPassphrase)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if err := encryptAndSave(m.keystorePath, s.privateKey, newPassphrase); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	audit.Record("allow", "wallet.rotate", "passphrase_rotated", "", s.address)
	return m.lockLocked(ctx)
}

// GenerateChildKeystore creates a fresh signer for a replicated child and
// returns its address and a keystore blob sealed under a random
// passphrase-equivalent key (the child derives its own passphrase-gated
// keystore once it first unlocks; this call only materializes the key
// material for the parent to hand to the compute provider).
func (m *Manager) GenerateChildKeystore(ctx context.Context) (string, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate child key: %w", err)
	}
	address := addressFor(pub)

	var randomPass [32]byte
	if _, err := rand.Read(randomPass[:]); err != nil {
		return "", nil, fmt.Errorf("generate child keystore secret: %w", err)
	}
	kf, err := seal(priv, hex.EncodeToString(randomPass[:]))
	if err != nil {
		return "", nil, fmt.Errorf("seal child keystore: %w", err)
	}
	blob, err := json.Marshal(kf)
	if err != nil {
		return "", nil, fmt.Errorf("marshal child keystore: %w", err)
	}
	return address, blob, nil
}

func validatePassphraseStrength(p string) error {
	if len(p) < minPassLen {
		return fmt.Errorf("passphrase must be at least %d characters", minPassLen)
	}
	classes := 0
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range p {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	for _, present := range []bool{hasLower, hasUpper, hasDigit, hasSymbol} {
		if present {
			classes++
		}
	}
	if classes < minCharClass {
		return fmt.Errorf("passphrase must span at least %d character classes", minCharClass)
	}
	return nil
}

func addressFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

func seal(priv ed25519.PrivateKey, passphrase string) (keystoreFile, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return keystoreFile{}, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return keystoreFile{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return keystoreFile{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return keystoreFile{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return keystoreFile{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, priv, nil)
	return keystoreFile{
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, nil
}

func open(kf keystoreFile, passphrase string) (*signer, error) {
	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: wrong passphrase or corrupted file")
	}
	priv := ed25519.PrivateKey(plaintext)
	pub := priv.Public().(ed25519.PublicKey)
	return &signer{privateKey: priv, address: addressFor(pub)}, nil
}

func loadAndDecrypt(path, passphrase string) (*signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	return open(kf, passphrase)
}

func encryptAndSave(path string, priv ed25519.PrivateKey, passphrase string) error {
	kf, err := seal(priv, passphrase)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp-" + hex.EncodeToString([]byte(strings.ToLower(path)))[:8]
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CreateKeystore generates a fresh signer and writes it to path sealed
// under passphrase, for first-time wallet provisioning.
func CreateKeystore(path, passphrase string) (address string, err error) {
	if err := validatePassphraseStrength(passphrase); err != nil {
		return "", err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	if err := encryptAndSave(path, priv, passphrase); err != nil {
		return "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return addressFor(pub), nil
}
