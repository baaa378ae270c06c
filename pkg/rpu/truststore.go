// Package rpu is the capsule trust verifier: it authenticates signed
// gating capsules from external issuers and, on success, adopts their
// rules into an atomically-swapped gating snapshot. Verification failure
// always collapses to false at the boundary; the reason stays in the logs.
package rpu

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Supported signature algorithms. The two are dispatched explicitly
// because their inputs differ: ed25519 verifies the canonical bytes
// directly, secp256k1 verifies an ECDSA signature over their SHA-256
// digest.
const (
	AlgEd25519   = "ed25519"
	AlgSecp256k1 = "secp256k1"
)

// Issuer is one trust-store entry.
type Issuer struct {
	ID     string `json:"id"`
	Alg    string `json:"alg"`
	KeyB64 string `json:"key_b64"`

	key []byte // decoded at load time
}

// trustStoreSchema rejects malformed trust-store files before any entry is
// installed.
const trustStoreSchema = `{
	"type": "object",
	"required": ["issuers"],
	"properties": {
		"issuers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "alg", "key_b64"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"alg": {"enum": ["ed25519", "secp256k1"]},
					"key_b64": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// TrustStore holds the issuer table, loaded from a JSON file and
// reloadable on demand or lazily on first use.
type TrustStore struct {
	path   string
	schema *jsonschema.Schema

	mu       sync.RWMutex
	issuers  map[string]*Issuer
	loadedAt time.Time
}

// NewTrustStore creates a store over path. The file is not read until
// Reload or the first lookup.
func NewTrustStore(path string) *TrustStore {
	return &TrustStore{
		path:   path,
		schema: jsonschema.MustCompileString("truststore.json", trustStoreSchema),
	}
}

// Reload re-reads the trust-store file, replacing the issuer table in
// whole. The previous table survives a failed reload.
func (t *TrustStore) Reload() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("rpu: read trust store: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("rpu: parse trust store: %w", err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return fmt.Errorf("rpu: trust store schema: %w", err)
	}

	var file struct {
		Issuers []*Issuer `json:"issuers"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("rpu: decode trust store: %w", err)
	}

	issuers := make(map[string]*Issuer, len(file.Issuers))
	for _, iss := range file.Issuers {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(iss.KeyB64))
		if err != nil {
			return fmt.Errorf("rpu: issuer %s key: %w", iss.ID, err)
		}
		iss.key = key
		issuers[iss.ID] = iss
	}

	t.mu.Lock()
	t.issuers = issuers
	t.loadedAt = time.Now().UTC()
	t.mu.Unlock()

	slog.Info("trust store loaded", "path", t.path, "issuers", len(issuers))
	return nil
}

// Lookup returns the issuer entry for id, loading the file lazily if no
// load has happened yet.
func (t *TrustStore) Lookup(id string) (*Issuer, bool) {
	t.mu.RLock()
	loaded := t.issuers != nil
	t.mu.RUnlock()
	if !loaded {
		if err := t.Reload(); err != nil {
			slog.Warn("lazy trust store load failed", "error", err)
			return nil, false
		}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	iss, ok := t.issuers[id]
	return iss, ok
}

// LoadedAt returns the time of the last successful reload, zero if none.
func (t *TrustStore) LoadedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadedAt
}
