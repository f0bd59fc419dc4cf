package browserpool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"collectoragent/internal/logging"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir(), "super-secret-key")
	plain := []byte(`{"hello":"world"}`)

	enc, err := store.encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(enc) == string(plain) {
		t.Error("expected encrypted output to differ from plaintext")
	}
	dec, err := store.decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(dec) != string(plain) {
		t.Errorf("round trip mismatch: got %q, want %q", dec, plain)
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	store := NewFileStore(t.TempDir(), "super-secret-key")
	if _, err := store.decrypt([]byte("x")); err == nil {
		t.Error("expected an error for ciphertext shorter than the nonce")
	}
}

func TestWriteFileReadFileRoundTripPlain(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	path := filepath.Join(store.dir, "plain.json")
	body := []byte(`{"a":1}`)

	if err := store.writeFile(path, body); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	got, err := store.readFile(path)
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("got %q, want %q", got, body)
	}
	onDisk, _ := os.ReadFile(path)
	if string(onDisk) != string(body) {
		t.Error("expected the unencrypted store to write plaintext to disk")
	}
}

func TestWriteFileReadFileRoundTripEncrypted(t *testing.T) {
	store := NewFileStore(t.TempDir(), "another-secret")
	path := filepath.Join(store.dir, "enc.json")
	body := []byte(`{"a":1}`)

	if err := store.writeFile(path, body); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	onDisk, _ := os.ReadFile(path)
	if string(onDisk) == string(body) {
		t.Error("expected the encrypted store to write ciphertext, not plaintext, to disk")
	}
	got, err := store.readFile(path)
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("got %q, want %q", got, body)
	}
}

func TestReadFileMissingReturnsNotExist(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	_, err := store.readFile(filepath.Join(store.dir, "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestSaveSnapshotThenLoadSnapshotEmptyPool(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	p := newTestPool(1, 4, 100, time.Hour)

	if err := p.SaveSnapshot(store); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := p.LoadSnapshot(context.Background(), store); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if p.ContextCount() != 0 {
		t.Errorf("expected an empty snapshot to restore no contexts, got %d", p.ContextCount())
	}
}

func TestLoadSnapshotMissingFileIsNotAnError(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	p := newTestPool(1, 4, 100, time.Hour)

	if err := p.LoadSnapshot(context.Background(), store); err != nil {
		t.Errorf("expected a missing snapshot file to be treated as empty, got %v", err)
	}
}

func TestDailyRestartSkipsWhenHourDoesNotMatch(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	p := New(Config{MaxProcesses: 1, MaxContextsPerProcess: 1}, logging.NewDefault())

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ran, err := p.DailyRestart(context.Background(), store, 3, now)
	if err != nil {
		t.Fatalf("DailyRestart: %v", err)
	}
	if ran {
		t.Error("expected DailyRestart to be a no-op outside the configured hour")
	}
}

func TestDailyRestartRunsOncePerCalendarDate(t *testing.T) {
	store := NewFileStore(t.TempDir(), "")
	p := New(Config{MaxProcesses: 1, MaxContextsPerProcess: 1}, logging.NewDefault())

	now := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	ran, err := p.DailyRestart(context.Background(), store, 3, now)
	if err != nil {
		t.Fatalf("DailyRestart: %v", err)
	}
	if !ran {
		t.Fatal("expected the first DailyRestart at the configured hour to run")
	}

	ran, err = p.DailyRestart(context.Background(), store, 3, now)
	if err != nil {
		t.Fatalf("DailyRestart (second call): %v", err)
	}
	if ran {
		t.Error("expected a second DailyRestart on the same calendar date to be a no-op")
	}

	nextDay := now.Add(24 * time.Hour)
	ran, err = p.DailyRestart(context.Background(), store, 3, nextDay)
	if err != nil {
		t.Fatalf("DailyRestart (next day): %v", err)
	}
	if !ran {
		t.Error("expected DailyRestart to run again on the following calendar date")
	}
}
