// Package storage keeps verified captures on disk until they are submitted.
// Records are encrypted at rest using NaCl secretbox.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/sabhapass/pkg/logging"
	"github.com/MrCodeEU/sabhapass/pkg/recognition"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// CaptureRecord is one verified capture: the descriptor, the still it was
// extracted from and the liveness evidence that allowed it.
type CaptureRecord struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Profile       string                 `json:"profile"`
	Descriptor    recognition.Descriptor `json:"descriptor"`
	Image         []byte                 `json:"image"`
	BlinkCount    int                    `json:"blink_count"`
	MovementCount int                    `json:"movement_count"`
	Zoom          float64                `json:"zoom"`
	CapturedAt    time.Time              `json:"captured_at"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// ErrCaptureNotFound is returned when no capture has the given ID.
var ErrCaptureNotFound = errors.New("capture not found")

// ErrInvalidID is returned for IDs that are not UUIDs.
var ErrInvalidID = errors.New("invalid capture id")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// FileStorage stores one file per capture under <dataDir>/captures.
type FileStorage struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage(dataDir string, encryptionEnabled bool) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fs.encryptionKey = key
	}

	if err := os.MkdirAll(fs.capturesDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create captures directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific machine.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte

	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("sabhapass-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

func (fs *FileStorage) capturesDir() string {
	return filepath.Join(fs.dataDir, "captures")
}

// capturePath returns the file path for a capture. IDs must be UUIDs so they
// can never escape the captures directory.
func (fs *FileStorage) capturePath(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	filename := id + ".json"
	if fs.encryptionEnabled {
		filename = id + ".enc"
	}
	return filepath.Join(fs.capturesDir(), filename), nil
}

// SaveCapture writes rec, replacing any capture with the same ID. A record
// without an ID is given a new one.
func (fs *FileStorage) SaveCapture(rec *CaptureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	path, err := fs.capturePath(rec.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal capture: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt capture: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write capture: %w", err)
	}

	logging.Debugf("Saved capture: %s", rec.ID)
	return nil
}

// LoadCapture reads the capture with the given ID.
func (fs *FileStorage) LoadCapture(id string) (*CaptureRecord, error) {
	path, err := fs.capturePath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCaptureNotFound
		}
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt capture: %w", err)
		}
	}

	var rec CaptureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capture: %w", err)
	}

	logging.Debugf("Loaded capture: %s", id)
	return &rec, nil
}

// DeleteCapture removes a capture, typically after it has been submitted.
func (fs *FileStorage) DeleteCapture(id string) error {
	path, err := fs.capturePath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrCaptureNotFound
		}
		return fmt.Errorf("failed to delete capture: %w", err)
	}

	logging.Infof("Deleted capture: %s", id)
	return nil
}

// CaptureExists reports whether a capture with the given ID is stored.
func (fs *FileStorage) CaptureExists(id string) bool {
	path, err := fs.capturePath(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListCaptures returns the IDs of all stored captures in lexical order.
// Files written with the other encryption setting are listed too; loading
// them fails.
func (fs *FileStorage) ListCaptures() ([]string, error) {
	entries, err := os.ReadDir(fs.capturesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".json" && ext != ".enc" {
			continue
		}
		id := strings.TrimSuffix(name, ext)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Strings(ids)
	return ids, nil
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	encrypted := secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey)
	return encrypted, nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}
