package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialVault = (*VaultRepo)(nil)

// VaultRepo is the SQLite implementation of the CredentialVault port.
// Secrets are sealed with AES-256-GCM before write and opened after read; the
// vault itself never interprets the plaintext bytes.
type VaultRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key.
}

// NewVaultRepo creates a VaultRepo. key must be 32 bytes for AES-256-GCM.
func NewVaultRepo(db *DB, key []byte) (*VaultRepo, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	return &VaultRepo{db: db, key: key}, nil
}

// Store writes or replaces the secret under key.
func (r *VaultRepo) Store(ctx context.Context, key string, secret []byte) error {
	sealed, err := r.seal(secret)
	if err != nil {
		return err
	}

	const query = `INSERT OR REPLACE INTO credentials (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	if _, err := r.db.Writer.ExecContext(ctx, query, key, sealed); err != nil {
		return fmt.Errorf("%w: store secret %q: %v", driven.ErrPersistenceFailure, key, err)
	}
	return nil
}

// Load returns the secret stored under key, or (nil, nil) when absent.
func (r *VaultRepo) Load(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM credentials WHERE key = ?`

	var sealed string
	err := r.db.Reader.QueryRowContext(ctx, query, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load secret %q: %v", driven.ErrPersistenceFailure, key, err)
	}

	secret, err := r.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret %q: %w", key, err)
	}
	return secret, nil
}

// Clear removes the secret stored under key.
func (r *VaultRepo) Clear(ctx context.Context, key string) error {
	const query = `DELETE FROM credentials WHERE key = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: clear secret %q: %v", driven.ErrPersistenceFailure, key, err)
	}
	return nil
}

// seal encrypts the secret with AES-256-GCM and returns base64 of
// nonce || ciphertext || tag.
func (r *VaultRepo) seal(secret []byte) (string, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, secret, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open decrypts a base64-encoded AES-256-GCM sealed secret.
func (r *VaultRepo) open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	secret, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}

	return secret, nil
}
