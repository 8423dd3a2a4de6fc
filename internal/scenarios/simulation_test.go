package scenarios

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/davidahmann/govledger/core/consent"
	"github.com/davidahmann/govledger/core/ledger"
	"github.com/davidahmann/govledger/core/manifest"
	"github.com/davidahmann/govledger/core/overlay"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

const baseTimeMS int64 = 1_700_000_000_000

var (
	simulationRoles    = []string{"dermatologist", "radiologist", "billing_clerk"}
	simulationPurposes = []string{"clinical_care", "research", "marketing"}
)

// Workspace is a file-backed overlay rooted in one directory.
type Workspace struct {
	Dir       string
	Ledger    *ledger.Ledger
	Overlay   *overlay.Overlay
	Manifests *manifest.FileStore
}

func OpenWorkspace(dir string, clock overlay.Clock) (*Workspace, ledger.IntegrityResult, error) {
	l, replay, err := ledger.OpenFile(LedgerPath(dir))
	if err != nil {
		return nil, ledger.IntegrityResult{}, err
	}
	policies, err := consent.NewFileStore(filepath.Join(dir, "policies"))
	if err != nil {
		_ = l.Close()
		return nil, ledger.IntegrityResult{}, err
	}
	manifests, err := manifest.NewFileStore(filepath.Join(dir, "manifests"))
	if err != nil {
		_ = l.Close()
		return nil, ledger.IntegrityResult{}, err
	}
	o, err := overlay.New(overlay.Options{Ledger: l, Policies: policies, Manifests: manifests, Clock: clock})
	if err != nil {
		_ = l.Close()
		return nil, ledger.IntegrityResult{}, err
	}
	return &Workspace{Dir: dir, Ledger: l, Overlay: o, Manifests: manifests}, replay, nil
}

func LedgerPath(dir string) string {
	return filepath.Join(dir, "ledger.jsonl")
}

func (w *Workspace) Close() error {
	return w.Ledger.Close()
}

func Hash(digit string) string {
	return strings.Repeat(digit, 64)
}

func Inference(actorID, role, purpose, policyID string, atMS int64) overlay.InferenceRequest {
	return overlay.InferenceRequest{
		ActorID:         actorID,
		ActorRole:       role,
		Purpose:         purpose,
		ConsentPolicyID: policyID,
		InputArtifact:   schemagov.ArtifactRef{URI: "s3://scans/" + actorID + ".dcm", Hash: Hash("a")},
		OutputArtifacts: map[string]schemagov.ArtifactRef{
			"classification": {URI: fmt.Sprintf("s3://out/%s-%d.json", actorID, atMS), Hash: Hash("b")},
		},
		Pipeline: schemagov.PipelineFingerprint{PipelineID: "derm-triage", Version: "2.4.1", Digest: Hash("c")},
		Model:    schemagov.ModelFingerprint{ModelID: "lesion-net", Version: "7", WeightsHash: Hash("d")},
		AtMS:     atMS,
	}
}

func Access(actorID, role, purpose, policyID string, atMS int64) overlay.AccessRequest {
	return overlay.AccessRequest{
		ActorID:         actorID,
		ActorRole:       role,
		Purpose:         purpose,
		ConsentPolicyID: policyID,
		Artifact:        schemagov.ArtifactRef{URI: "s3://scans/" + actorID + ".dcm", Hash: Hash("a")},
		AtMS:            atMS,
	}
}

type SimulationConfig struct {
	Seed     int64
	Steps    int
	Policies int
	// RevocationRate is the chance, per step, that one live policy is revoked.
	RevocationRate float64
	// MissingPolicyRate is the chance that a step names a policy that does not exist.
	MissingPolicyRate float64
}

type SimulationResult struct {
	Authorized  int
	Denied      map[consent.DenialReason]int
	Revocations int
	// Mismatches lists steps whose decision differed from the reference model.
	Mismatches []string
}

// Simulate creates the configured policies and then runs random inferences
// and data accesses, revoking policies along the way. Every decision is
// checked against an independent model of the policies.
func Simulate(ctx context.Context, o *overlay.Overlay, cfg SimulationConfig) (SimulationResult, error) {
	rng := rand.New(rand.NewSource(cfg.Seed)) // #nosec G404 -- deterministic test workload, not security sensitive.
	result := SimulationResult{Denied: map[consent.DenialReason]int{}}

	revokedAt := map[string]int64{}
	policyIDs := make([]string, 0, cfg.Policies)
	for index := 0; index < cfg.Policies; index++ {
		policyID := fmt.Sprintf("consent-%03d", index)
		_, _, err := o.StoreConsentPolicy(ctx, schemagov.ConsentPolicy{
			PolicyID:        policyID,
			SubjectID:       fmt.Sprintf("subject-%03d", index),
			AllowedPurposes: []string{"clinical_care", "research"},
			AllowedRoles:    []string{"dermatologist", "radiologist"},
			ValidFromMS:     baseTimeMS,
			Revocable:       true,
		})
		if err != nil {
			return result, fmt.Errorf("store policy %s: %w", policyID, err)
		}
		policyIDs = append(policyIDs, policyID)
	}

	for step := 0; step < cfg.Steps; step++ {
		atMS := baseTimeMS + int64(step+1)*10
		if rng.Float64() < cfg.RevocationRate {
			policyID := policyIDs[rng.Intn(len(policyIDs))]
			if _, done := revokedAt[policyID]; !done {
				if _, _, err := o.RevokeConsent(ctx, policyID, atMS); err != nil {
					return result, fmt.Errorf("step %d: revoke %s: %w", step, policyID, err)
				}
				revokedAt[policyID] = atMS
				result.Revocations++
			}
		}

		policyID := policyIDs[rng.Intn(len(policyIDs))]
		if rng.Float64() < cfg.MissingPolicyRate {
			policyID = "consent-missing"
		}
		role := simulationRoles[rng.Intn(len(simulationRoles))]
		purpose := simulationPurposes[rng.Intn(len(simulationPurposes))]
		actorID := fmt.Sprintf("actor-%02d", rng.Intn(20))

		var decision consent.Decision
		if rng.Intn(2) == 0 {
			outcome, err := o.RecordInference(ctx, Inference(actorID, role, purpose, policyID, atMS))
			if err != nil {
				return result, fmt.Errorf("step %d: inference: %w", step, err)
			}
			decision = outcome.Decision
		} else {
			outcome, err := o.RecordDataAccess(ctx, Access(actorID, role, purpose, policyID, atMS))
			if err != nil {
				return result, fmt.Errorf("step %d: access: %w", step, err)
			}
			decision = outcome.Decision
		}

		want := expectedDecision(policyID, revokedAt, purpose, role, atMS)
		if decision != want {
			result.Mismatches = append(result.Mismatches, fmt.Sprintf("step %d policy=%s role=%s purpose=%s: got %+v want %+v", step, policyID, role, purpose, decision, want))
		}
		if decision.Authorized {
			result.Authorized++
		} else {
			result.Denied[decision.Reason]++
		}
	}
	return result, nil
}

func expectedDecision(policyID string, revokedAt map[string]int64, purpose, role string, atMS int64) consent.Decision {
	switch {
	case policyID == "consent-missing":
		return consent.Denied(consent.ReasonNotFound)
	case revokedAt[policyID] != 0 && atMS >= revokedAt[policyID]:
		return consent.Denied(consent.ReasonRevoked)
	case purpose != "clinical_care" && purpose != "research":
		return consent.Denied(consent.ReasonPurposeNotAllowed)
	case role != "dermatologist" && role != "radiologist":
		return consent.Denied(consent.ReasonRoleNotAllowed)
	default:
		return consent.Authorized()
	}
}
