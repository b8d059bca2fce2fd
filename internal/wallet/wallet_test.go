package wallet_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/wallet"
)

type fakeStore struct {
	sessions map[string]state.UnlockSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]state.UnlockSession{}}
}

func (f *fakeStore) InsertUnlockSession(ctx context.Context, u state.UnlockSession) (string, error) {
	u.ID = "sess-1"
	f.sessions[u.ID] = u
	return u.ID, nil
}
func (f *fakeStore) RevokeUnlockSession(ctx context.Context, id string) error {
	s := f.sessions[id]
	now := time.Now()
	s.RevokedAt = &now
	f.sessions[id] = s
	return nil
}
func (f *fakeStore) ActiveUnlockSession(ctx context.Context, now time.Time) (state.UnlockSession, bool, error) {
	for _, s := range f.sessions {
		if s.RevokedAt == nil && s.ExpiresAt.After(now) {
			return s, true, nil
		}
	}
	return state.UnlockSession{}, false, nil
}

const strongPass = "Correct-Horse9!"

func TestUnlockLock_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}

	store := newFakeStore()
	m := wallet.New(path, store)
	if m.IsUnlocked() {
		t.Fatal("expected locked before Unlock")
	}
	if err := m.Unlock(context.Background(), strongPass, time.Minute); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !m.IsUnlocked() {
		t.Fatal("expected unlocked after Unlock")
	}
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if m.IsUnlocked() {
		t.Fatal("expected locked after Lock")
	}
}

func TestUnlock_WrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}
	m := wallet.New(path, newFakeStore())
	if err := m.Unlock(context.Background(), "wrong-password-entirely", time.Minute); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
}

func TestIsUnlocked_FalseAfterTTLExpires(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}
	m := wallet.New(path, newFakeStore())
	if err := m.Unlock(context.Background(), strongPass, -time.Second); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if m.IsUnlocked() {
		t.Fatal("expected expired session to report locked")
	}
}

func TestRotate_RejectsWeakOrEqualPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}
	m := wallet.New(path, newFakeStore())

	if err := m.Rotate(context.Background(), strongPass, strongPass); err == nil {
		t.Fatal("expected equal passphrase to be rejected")
	}
	if err := m.Rotate(context.Background(), strongPass, "short1A"); err == nil {
		t.Fatal("expected too-short passphrase to be rejected")
	}
	if err := m.Rotate(context.Background(), strongPass, "alllowercaseletters"); err == nil {
		t.Fatal("expected single-character-class passphrase to be rejected")
	}
}

func TestRotate_ReencryptsAndLocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}
	m := wallet.New(path, newFakeStore())
	newPass := "Another-Strong9!"
	if err := m.Rotate(context.Background(), strongPass, newPass); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if m.IsUnlocked() {
		t.Fatal("expected rotate to lock the wallet")
	}
	if err := m.Unlock(context.Background(), strongPass, time.Minute); err == nil {
		t.Fatal("expected old passphrase to no longer unlock")
	}
	if err := m.Unlock(context.Background(), newPass, time.Minute); err != nil {
		t.Fatalf("expected new passphrase to unlock: %v", err)
	}
}

func TestGenerateChildKeystore_ProducesDistinctAddressAndBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	if _, err := wallet.CreateKeystore(path, strongPass); err != nil {
		t.Fatalf("CreateKeystore: %v", err)
	}
	m := wallet.New(path, newFakeStore())

	addr1, blob1, err := m.GenerateChildKeystore(context.Background())
	if err != nil {
		t.Fatalf("GenerateChildKeystore: %v", err)
	}
	addr2, blob2, err := m.GenerateChildKeystore(context.Background())
	if err != nil {
		t.Fatalf("GenerateChildKeystore: %v", err)
	}
	if addr1 == addr2 {
		t.Fatal("expected distinct child addresses across calls")
	}
	if string(blob1) == string(blob2) {
		t.Fatal("expected distinct keystore blobs across calls")
	}
	if len(blob1) == 0 {
		t.Fatal("expected a non-empty keystore blob")
	}
}
