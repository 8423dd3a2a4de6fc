package manifest

import (
	"strings"
	"testing"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/sign"
)

func testInput() BuildInput {
	until := int64(1_800_000_000_000)
	return BuildInput{
		InputArtifact: schemagov.ArtifactRef{URI: "s3://scans/lesion-0042.dcm", Hash: strings.Repeat("1", 64)},
		OutputArtifacts: map[string]schemagov.ArtifactRef{
			"segmentation": {URI: "s3://out/seg-0042.nii", Hash: strings.Repeat("2", 64)},
			"report":       {URI: "s3://out/report-0042.json", Hash: strings.Repeat("3", 64)},
		},
		Pipeline: schemagov.PipelineFingerprint{
			PipelineID: "derm-triage",
			Version:    "2.4.1",
			Digest:     strings.Repeat("4", 64),
			Parameters: map[string]string{"threshold": "0.7"},
		},
		Model: schemagov.ModelFingerprint{ModelID: "lesion-net", Version: "7", WeightsHash: strings.Repeat("5", 64), Framework: "onnx"},
		Consent: schemagov.ConsentPolicy{
			PolicyID:        "p-1",
			SubjectID:       "subject-a",
			AllowedPurposes: []string{"clinical_care"},
			AllowedRoles:    []string{"dermatologist"},
			ValidFromMS:     1_700_000_000_000,
			ValidUntilMS:    &until,
			Revocable:       true,
		},
	}
}

func TestBuildComputesContentHash(t *testing.T) {
	manifest, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if manifest.SchemaID != SchemaID || len(manifest.ManifestHash) != 64 {
		t.Fatalf("unexpected manifest header: %#v", manifest)
	}
	recomputed, err := ComputeHash(manifest)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if recomputed != manifest.ManifestHash {
		t.Fatalf("hash mismatch: %s vs %s", recomputed, manifest.ManifestHash)
	}

	again, err := Build(testInput())
	if err != nil {
		t.Fatalf("build again: %v", err)
	}
	if again.ManifestHash != manifest.ManifestHash {
		t.Fatalf("identical input must produce identical hash")
	}

	changed := testInput()
	changed.Model.Version = "8"
	other, err := Build(changed)
	if err != nil {
		t.Fatalf("build changed: %v", err)
	}
	if other.ManifestHash == manifest.ManifestHash {
		t.Fatalf("different model must change the hash")
	}
}

func TestBuildSnapshotsConsent(t *testing.T) {
	input := testInput()
	manifest, err := Build(input)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	revokedAt := int64(1_750_000_000_000)
	input.Consent.RevokedAtMS = &revokedAt
	input.Consent.AllowedRoles[0] = "radiologist"
	*input.Consent.ValidUntilMS = 0
	input.Pipeline.Parameters["threshold"] = "0.1"

	if manifest.ConsentSnapshot.RevokedAtMS != nil || manifest.ConsentSnapshot.AllowedRoles[0] != "dermatologist" {
		t.Fatalf("snapshot must not follow later policy changes: %#v", manifest.ConsentSnapshot)
	}
	if *manifest.ConsentSnapshot.ValidUntilMS != 1_800_000_000_000 || manifest.PipelineManifest.Parameters["threshold"] != "0.7" {
		t.Fatalf("snapshot shares memory with input")
	}
	if recomputed, _ := ComputeHash(manifest); recomputed != manifest.ManifestHash {
		t.Fatalf("manifest changed after build")
	}
}

func TestComputeHashExcludesHashAndSignatures(t *testing.T) {
	manifest, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	original := manifest.ManifestHash
	manifest.ManifestHash = strings.Repeat("f", 64)
	manifest.Signatures = []schemagov.Signature{{Alg: "ed25519", KeyID: "k", Sig: "s"}}
	recomputed, err := ComputeHash(manifest)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	if recomputed != original {
		t.Fatalf("hash must ignore manifest_hash and signatures")
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BuildInput)
	}{
		{name: "input_uri", mutate: func(in *BuildInput) { in.InputArtifact.URI = " " }},
		{name: "input_hash", mutate: func(in *BuildInput) { in.InputArtifact.Hash = "" }},
		{name: "output_name", mutate: func(in *BuildInput) { in.OutputArtifacts[""] = schemagov.ArtifactRef{URI: "u", Hash: "h"} }},
		{name: "output_name_collision", mutate: func(in *BuildInput) { in.OutputArtifacts[" report"] = schemagov.ArtifactRef{URI: "u", Hash: "h"} }},
		{name: "output_hash", mutate: func(in *BuildInput) { in.OutputArtifacts["report"] = schemagov.ArtifactRef{URI: "u"} }},
		{name: "pipeline", mutate: func(in *BuildInput) { in.Pipeline.Digest = "" }},
		{name: "model", mutate: func(in *BuildInput) { in.Model.WeightsHash = "" }},
		{name: "consent", mutate: func(in *BuildInput) { in.Consent.AllowedRoles = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := testInput()
			tc.mutate(&input)
			_, err := Build(input)
			if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	manifest, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	hash := manifest.ManifestHash
	if err := Sign(&manifest, kp.Private); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if manifest.ManifestHash != hash || len(manifest.Signatures) != 1 {
		t.Fatalf("signing must not change the content hash")
	}
	if err := VerifySignature(manifest, kp.Public); err != nil {
		t.Fatalf("verify signature: %v", err)
	}

	tampered := Clone(manifest)
	tampered.ModelSpec.Version = "99"
	if err := VerifySignature(tampered, kp.Public); coreerrors.CategoryOf(err) != coreerrors.CategoryIntegrityViolation {
		t.Fatalf("expected integrity violation for tampered manifest, got %v", err)
	}

	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := VerifySignature(manifest, other.Public); err == nil {
		t.Fatalf("expected missing signature for foreign key")
	}
}

func TestValidateInputIgnoresConsent(t *testing.T) {
	input := testInput()
	input.Consent = schemagov.ConsentPolicy{}
	if err := ValidateInput(input); err != nil {
		t.Fatalf("validate input should not look at consent: %v", err)
	}
	input.Model.ModelID = ""
	if err := ValidateInput(input); coreerrors.CodeOf(err) != coreerrors.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}
