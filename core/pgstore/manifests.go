package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/davidahmann/govledger/core/manifest"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

type ManifestStore struct {
	DB Querier
}

func NewManifestStore(db Querier) *ManifestStore {
	return &ManifestStore{DB: db}
}

// Put inserts once per hash. A losing concurrent insert falls through to the
// same comparison as a repeated put.
func (s *ManifestStore) Put(ctx context.Context, input schemagov.ReproducibilityManifest) (string, error) {
	prepared, err := manifest.PrepareForPut(input)
	if err != nil {
		return "", err
	}
	hash := prepared.ManifestHash
	document, err := json.Marshal(prepared)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
INSERT INTO governance_manifests(manifest_hash,document)
VALUES($1,$2::jsonb)
ON CONFLICT (manifest_hash) DO NOTHING`, hash, string(document))
	if err != nil {
		return "", fmt.Errorf("insert manifest: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return hash, nil
	}
	existing, err := s.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, manifest.ErrUnreadable) {
			return "", manifest.CheckExisting(hash, schemagov.ReproducibilityManifest{})
		}
		return "", err
	}
	return hash, manifest.CheckExisting(hash, existing)
}

func (s *ManifestStore) Get(ctx context.Context, manifestHash string) (schemagov.ReproducibilityManifest, error) {
	var document []byte
	err := s.DB.QueryRow(ctx, `SELECT document FROM governance_manifests WHERE manifest_hash=$1`, manifestHash).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s", manifest.ErrNotFound, manifestHash)
		}
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("select manifest: %w", err)
	}
	if err := validate.Manifest(document); err != nil {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s: %v", manifest.ErrUnreadable, manifestHash, err)
	}
	var stored schemagov.ReproducibilityManifest
	if err := json.Unmarshal(document, &stored); err != nil {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s: %v", manifest.ErrUnreadable, manifestHash, err)
	}
	return stored, nil
}
