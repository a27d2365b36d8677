package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// sealer encrypts entry credentials with AES-256-GCM. The nonce is prepended
// to the ciphertext.
type sealer struct {
	key string
}

func (s sealer) gcm(ctx context.Context) (cipher.AEAD, error) {
	if s.key == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no encryption key configured")
		return nil, errors.New("no credentials encryption key configured")
	}

	key := []byte(s.key)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

func (s sealer) decryptCredentials(ctx context.Context, encrypted []byte) (types.EntryCredentials, error) {
	if len(encrypted) == 0 {
		return types.EntryCredentials{}, nil
	}

	gcm, err := s.gcm(ctx)
	if err != nil {
		return types.EntryCredentials{}, err
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.EntryCredentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.EntryCredentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.EntryCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return types.EntryCredentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (s sealer) encryptCredentials(ctx context.Context, creds types.EntryCredentials) ([]byte, error) {
	gcm, err := s.gcm(ctx)
	if err != nil {
		return nil, err
	}

	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}

// sealEntry splits an entry into its JSON document without credentials and
// the encrypted credentials.
func (s sealer) sealEntry(ctx context.Context, entry types.Entry) (string, []byte, error) {
	creds, err := s.encryptCredentials(ctx, entry.Credentials())
	if err != nil {
		return "", nil, err
	}
	jsonBytes, err := json.Marshal(entry.WithCredentials(types.EntryCredentials{}))
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	return string(jsonBytes), creds, nil
}

// openEntry is the reverse of sealEntry.
func (s sealer) openEntry(ctx context.Context, jsonStr string, encrypted []byte) (types.Entry, error) {
	var entry types.Entry
	if err := json.Unmarshal([]byte(jsonStr), &entry); err != nil {
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	creds, err := s.decryptCredentials(ctx, encrypted)
	if err != nil {
		return types.Entry{}, err
	}
	return entry.WithCredentials(creds), nil
}
