package browserpool

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// snapshotEntry is the persisted shape of one account, per spec.md §6:
// `<state-dir>/browser_pool_state.json`.
type snapshotEntry struct {
	Cookies         map[string]string `json:"cookies"`
	LastUsedAt      time.Time         `json:"last_used_at"`
	LastKeepaliveAt time.Time         `json:"last_keepalive_at"`
}

type snapshot struct {
	SavedAt  time.Time                `json:"saved_at"`
	Contexts map[string]snapshotEntry `json:"contexts"`
}

// FileStore persists pool snapshots to disk, optionally AES-GCM
// encrypted, adapted from the teacher's session.FileStore.
type FileStore struct {
	dir           string
	encryptionKey []byte
}

// NewFileStore creates a FileStore rooted at dir. If key is non-empty
// it is SHA-256 hashed into an AES-256 key and every snapshot is
// encrypted at rest.
func NewFileStore(dir string, key string) *FileStore {
	var k []byte
	if key != "" {
		sum := sha256.Sum256([]byte(key))
		k = sum[:]
	}
	return &FileStore{dir: dir, encryptionKey: k}
}

func (s *FileStore) poolStatePath() string {
	return filepath.Join(s.dir, "browser_pool_state.json")
}

func (s *FileStore) accountStatePath(account string) string {
	return filepath.Join(s.dir, fmt.Sprintf("dianping_state_%s.json", account))
}

// SaveSnapshot writes the current cookie set and timestamps for every
// account in the pool.
func (p *Pool) SaveSnapshot(store *FileStore) error {
	p.mu.Lock()
	snap := snapshot{SavedAt: time.Now(), Contexts: make(map[string]snapshotEntry, len(p.contexts))}
	for account, ac := range p.contexts {
		snap.Contexts[account] = snapshotEntry{
			Cookies:         ac.cookies,
			LastUsedAt:      ac.lastUsedAt,
			LastKeepaliveAt: ac.lastKeepaliveAt,
		}
	}
	p.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return store.writeFile(store.poolStatePath(), raw)
}

// LoadSnapshot rebuilds contexts for each account in the saved
// snapshot, best-effort: a failure to rebuild one account is logged
// and skipped, never aborting the rest.
func (p *Pool) LoadSnapshot(ctx context.Context, store *FileStore) error {
	raw, err := store.readFile(store.poolStatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	for account, entry := range snap.Contexts {
		if _, err := p.GetContext(ctx, account, entry.Cookies); err != nil {
			p.log.Warn("failed to restore account from snapshot, skipping",
				zap.String("account_id", account), zap.Error(err))
			continue
		}
		p.mu.Lock()
		if ac, ok := p.contexts[account]; ok {
			ac.lastUsedAt = entry.LastUsedAt
			ac.lastKeepaliveAt = entry.LastKeepaliveAt
		}
		p.mu.Unlock()
	}
	return nil
}

// DailyRestart performs the scheduled daily restart: if it has not
// already run for today's date, it saves cookies, tears down every
// process and context, and recreates contexts from the saved cookies.
// Returns true if a restart actually ran.
func (p *Pool) DailyRestart(ctx context.Context, store *FileStore, hour int, now time.Time) (bool, error) {
	today := now.Format("2006-01-02")
	if now.Hour() != hour || p.lastRestartDate == today {
		return false, nil
	}

	p.mu.Lock()
	cookiesByAccount := make(map[string]map[string]string, len(p.contexts))
	for account, ac := range p.contexts {
		cookiesByAccount[account] = ac.cookies
	}
	p.mu.Unlock()

	if err := p.SaveSnapshot(store); err != nil {
		p.log.Warn("daily restart: snapshot save failed, continuing with in-memory cookies", zap.Error(err))
	}

	p.Shutdown()

	for account, cookies := range cookiesByAccount {
		if _, err := p.GetContext(ctx, account, cookies); err != nil {
			p.log.Error("daily restart: failed to re-create account context", zap.String("account_id", account), zap.Error(err))
		}
	}

	p.lastRestartDate = today
	return true, nil
}

func (s *FileStore) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if s.encryptionKey != nil {
		enc, err := s.encrypt(data)
		if err != nil {
			return err
		}
		data = enc
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *FileStore) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.encryptionKey != nil {
		return s.decrypt(data)
	}
	return data, nil
}

func (s *FileStore) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *FileStore) decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("browserpool: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
