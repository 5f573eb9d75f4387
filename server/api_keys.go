package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Baanaaana/labelberry/server/storage"
)

// apiKeyPrefix makes credentials recognizable in logs and operator tooling
// without revealing the token.
const apiKeyPrefix = "lb_"

// GenerateAPIKey mints a new API credential token. The raw token is returned
// exactly once; only its SHA-256 digest is stored.
func GenerateAPIKey() (token, prefix, digest string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	token = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix = token[:min(len(token), 7)]
	digest = digestToken(token)
	return token, prefix, digest, nil
}

func digestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashDeviceSecret hashes a device's shared secret for storage. Device
// secrets are verified on every bus connect, so bcrypt's work factor also
// rate-limits brute forcing.
func HashDeviceSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash device secret: %w", err)
	}
	return string(hash), nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if !strings.HasPrefix(auth, scheme) {
		return ""
	}
	return strings.TrimSpace(auth[len(scheme):])
}

// authenticate resolves the request's bearer token to an active credential.
func (a *API) authenticate(r *http.Request) (*storage.APICredential, error) {
	token := bearerToken(r)
	if token == "" || !strings.HasPrefix(token, apiKeyPrefix) {
		return nil, errors.New("missing bearer token")
	}
	cred, err := a.store.GetCredentialByDigest(r.Context(), digestToken(token))
	if err != nil {
		return nil, errors.New("unknown API key")
	}
	if !cred.Active {
		return nil, errors.New("revoked API key")
	}
	return cred, nil
}

// createAPIKey provisions a credential from the command line (-create-api-key)
// and prints the one-time token.
func createAPIKey(store storage.Store, name string) error {
	token, prefix, digest, err := GenerateAPIKey()
	if err != nil {
		return err
	}
	cred := &storage.APICredential{
		Name:      name,
		Prefix:    prefix,
		Digest:    digest,
		CreatedBy: "cli",
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := store.CreateCredential(context.Background(), cred); err != nil {
		return err
	}
	fmt.Printf("API key created (id %d). Store it now, it will not be shown again:\n%s\n", cred.ID, token)
	return nil
}
