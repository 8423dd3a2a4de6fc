// Package manifest builds content-addressed reproducibility manifests and
// defines the store they live in.
package manifest

import (
	"crypto/ed25519"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/davidahmann/govledger/core/consent"
	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/sign"
)

const (
	SchemaID      = "govledger.reproducibility_manifest"
	SchemaVersion = "1.0.0"
)

type BuildInput struct {
	InputArtifact   schemagov.ArtifactRef
	OutputArtifacts map[string]schemagov.ArtifactRef
	Pipeline        schemagov.PipelineFingerprint
	Model           schemagov.ModelFingerprint
	Consent         schemagov.ConsentPolicy
}

// Build validates input and returns a manifest with ManifestHash set. The
// consent policy is copied so the manifest keeps the terms in force at build
// time.
func Build(input BuildInput) (schemagov.ReproducibilityManifest, error) {
	manifest := schemagov.ReproducibilityManifest{
		SchemaID:          SchemaID,
		SchemaVersion:     SchemaVersion,
		InputArtifactURI:  strings.TrimSpace(input.InputArtifact.URI),
		InputArtifactHash: strings.TrimSpace(input.InputArtifact.Hash),
		OutputArtifacts:   make(map[string]schemagov.ArtifactRef, len(input.OutputArtifacts)),
		PipelineManifest:  clonePipeline(input.Pipeline),
		ModelSpec:         input.Model,
		ConsentSnapshot:   input.Consent.Clone(),
	}
	for name, artifact := range input.OutputArtifacts {
		manifest.OutputArtifacts[strings.TrimSpace(name)] = schemagov.ArtifactRef{
			URI:  strings.TrimSpace(artifact.URI),
			Hash: strings.TrimSpace(artifact.Hash),
		}
	}
	if len(manifest.OutputArtifacts) != len(input.OutputArtifacts) {
		return schemagov.ReproducibilityManifest{}, invalidManifest("output artifact names must be unique after trimming")
	}
	if err := Validate(manifest); err != nil {
		return schemagov.ReproducibilityManifest{}, err
	}
	hash, err := ComputeHash(manifest)
	if err != nil {
		return schemagov.ReproducibilityManifest{}, err
	}
	manifest.ManifestHash = hash
	return manifest, nil
}

// Validate checks the manifest body. ManifestHash and Signatures are not
// examined.
func Validate(manifest schemagov.ReproducibilityManifest) error {
	if manifest.SchemaID != SchemaID {
		return invalidManifest(fmt.Sprintf("schema_id must be %s", SchemaID))
	}
	if err := validateArtifacts(
		schemagov.ArtifactRef{URI: manifest.InputArtifactURI, Hash: manifest.InputArtifactHash},
		manifest.OutputArtifacts,
		manifest.PipelineManifest,
		manifest.ModelSpec,
	); err != nil {
		return err
	}
	return consent.Validate(manifest.ConsentSnapshot)
}

// ValidateInput checks everything Build needs except the consent policy, so
// callers can reject a malformed request before loading the policy.
func ValidateInput(input BuildInput) error {
	trimmed := make(map[string]schemagov.ArtifactRef, len(input.OutputArtifacts))
	for name, artifact := range input.OutputArtifacts {
		trimmed[strings.TrimSpace(name)] = schemagov.ArtifactRef{URI: strings.TrimSpace(artifact.URI), Hash: strings.TrimSpace(artifact.Hash)}
	}
	if len(trimmed) != len(input.OutputArtifacts) {
		return invalidManifest("output artifact names must be unique after trimming")
	}
	input.InputArtifact.URI = strings.TrimSpace(input.InputArtifact.URI)
	input.InputArtifact.Hash = strings.TrimSpace(input.InputArtifact.Hash)
	return validateArtifacts(input.InputArtifact, trimmed, input.Pipeline, input.Model)
}

func validateArtifacts(
	inputArtifact schemagov.ArtifactRef,
	outputs map[string]schemagov.ArtifactRef,
	pipeline schemagov.PipelineFingerprint,
	model schemagov.ModelFingerprint,
) error {
	if inputArtifact.URI == "" || inputArtifact.Hash == "" {
		return invalidManifest("input artifact uri and hash are required")
	}
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		artifact := outputs[name]
		if name == "" {
			return invalidManifest("output artifact name is required")
		}
		if artifact.URI == "" || artifact.Hash == "" {
			return invalidManifest(fmt.Sprintf("output artifact %s requires uri and hash", name))
		}
	}
	if pipeline.PipelineID == "" || pipeline.Version == "" || pipeline.Digest == "" {
		return invalidManifest("pipeline_manifest requires pipeline_id, version and digest")
	}
	if model.ModelID == "" || model.Version == "" || model.WeightsHash == "" {
		return invalidManifest("model_spec requires model_id, version and weights_hash")
	}
	return nil
}

// ComputeHash digests the canonical manifest body, excluding ManifestHash and
// Signatures.
func ComputeHash(manifest schemagov.ReproducibilityManifest) (string, error) {
	body := manifest
	body.ManifestHash = ""
	body.Signatures = nil
	return hashchain.DigestRecord(body)
}

// Sign appends an ed25519 signature over the manifest hash.
func Sign(manifest *schemagov.ReproducibilityManifest, key ed25519.PrivateKey) error {
	hash, err := ComputeHash(*manifest)
	if err != nil {
		return err
	}
	if manifest.ManifestHash != "" && manifest.ManifestHash != hash {
		return invalidManifest("manifest_hash does not match manifest content")
	}
	signature, err := sign.SignDigestHex(key, hash)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	manifest.ManifestHash = hash
	manifest.Signatures = append(manifest.Signatures, signature)
	return nil
}

// VerifySignature requires at least one signature by pub over the manifest's
// recomputed hash.
func VerifySignature(manifest schemagov.ReproducibilityManifest, pub ed25519.PublicKey) error {
	hash, err := ComputeHash(manifest)
	if err != nil {
		return err
	}
	keyID := sign.KeyID(pub)
	for _, signature := range manifest.Signatures {
		if signature.KeyID != keyID {
			continue
		}
		if signature.SignedDigest != hash {
			return invalidSignature(fmt.Errorf("signature covers %s, manifest hashes to %s", signature.SignedDigest, hash))
		}
		ok, err := sign.VerifyDigestHex(pub, signature)
		if err != nil {
			return invalidSignature(err)
		}
		if !ok {
			return invalidSignature(fmt.Errorf("signature does not verify"))
		}
		return nil
	}
	return invalidSignature(fmt.Errorf("no signature by key %s", keyID))
}

// Clone returns a deep copy.
func Clone(manifest schemagov.ReproducibilityManifest) schemagov.ReproducibilityManifest {
	out := manifest
	out.OutputArtifacts = maps.Clone(manifest.OutputArtifacts)
	out.PipelineManifest = clonePipeline(manifest.PipelineManifest)
	out.ConsentSnapshot = manifest.ConsentSnapshot.Clone()
	out.Signatures = append([]schemagov.Signature(nil), manifest.Signatures...)
	return out
}

func clonePipeline(pipeline schemagov.PipelineFingerprint) schemagov.PipelineFingerprint {
	pipeline.Parameters = maps.Clone(pipeline.Parameters)
	return pipeline
}

func invalidManifest(problem string) error {
	return coreerrors.Wrap(
		fmt.Errorf("invalid manifest: %s", problem),
		coreerrors.CategoryInvalidInput,
		coreerrors.CodeValidationFailed,
		"",
		false,
	)
}

func invalidSignature(cause error) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryIntegrityViolation, coreerrors.CodeAttestationInvalid, "", false)
}
