package overlay

import (
	"context"
	"strings"

	"github.com/davidahmann/govledger/core/consent"
	"github.com/davidahmann/govledger/core/manifest"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type InferenceRequest struct {
	ActorID         string                           `json:"actor_id"`
	ActorRole       string                           `json:"actor_role"`
	Purpose         string                           `json:"purpose"`
	ConsentPolicyID string                           `json:"consent_policy_id"`
	InputArtifact   schemagov.ArtifactRef            `json:"input_artifact"`
	OutputArtifacts map[string]schemagov.ArtifactRef `json:"output_artifacts"`
	Pipeline        schemagov.PipelineFingerprint    `json:"pipeline_manifest"`
	Model           schemagov.ModelFingerprint       `json:"model_spec"`
	AtMS            int64                            `json:"at_time_ms"`
}

// InferenceResult carries the manifest only when the inference was
// authorized. Entry is always the event that was appended.
type InferenceResult struct {
	Decision consent.Decision                   `json:"decision"`
	Manifest *schemagov.ReproducibilityManifest `json:"manifest,omitempty"`
	Entry    schemagov.LedgerEntry              `json:"entry"`
}

type AccessRequest struct {
	ActorID         string                `json:"actor_id"`
	ActorRole       string                `json:"actor_role"`
	Purpose         string                `json:"purpose"`
	ConsentPolicyID string                `json:"consent_policy_id"`
	Artifact        schemagov.ArtifactRef `json:"artifact"`
	AtMS            int64                 `json:"at_time_ms"`
}

type AccessResult struct {
	Decision consent.Decision      `json:"decision"`
	Entry    schemagov.LedgerEntry `json:"entry"`
}

type actor struct {
	id       string
	role     string
	purpose  string
	policyID string
}

func (a actor) validate(atMS int64) error {
	if a.id == "" {
		return invalidInput("actor_id is required")
	}
	return a.validateScope(atMS)
}

// validateScope covers what consent evaluation reads, so a read-only check
// accepts exactly the inputs a recorded action would.
func (a actor) validateScope(atMS int64) error {
	switch {
	case a.role == "":
		return invalidInput("actor_role is required")
	case a.purpose == "":
		return invalidInput("purpose is required")
	case a.policyID == "":
		return invalidInput("consent_policy_id is required")
	case atMS < 0:
		return invalidInput("at_time_ms must be >= 0")
	}
	return nil
}

func newActor(id, role, purpose, policyID string) actor {
	return actor{
		id:       strings.TrimSpace(id),
		role:     strings.TrimSpace(role),
		purpose:  strings.TrimSpace(purpose),
		policyID: strings.TrimSpace(policyID),
	}
}

// RecordInference evaluates consent for one inference. A denial is recorded
// as ACCESS_DENIED and returned as a result, not an error. An authorized
// inference stores its manifest before INFERENCE_EXECUTED is appended, so the
// ledger never references a manifest the store does not hold.
func (o *Overlay) RecordInference(ctx context.Context, request InferenceRequest) (InferenceResult, error) {
	who := newActor(request.ActorID, request.ActorRole, request.Purpose, request.ConsentPolicyID)
	if err := who.validate(request.AtMS); err != nil {
		return InferenceResult{}, err
	}
	buildInput := manifest.BuildInput{
		InputArtifact:   request.InputArtifact,
		OutputArtifacts: request.OutputArtifacts,
		Pipeline:        request.Pipeline,
		Model:           request.Model,
	}
	if err := manifest.ValidateInput(buildInput); err != nil {
		return InferenceResult{}, err
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.ensureWritable(); err != nil {
		return InferenceResult{}, err
	}
	policy, err := o.loadPolicy(ctx, who.policyID)
	if err != nil {
		return InferenceResult{}, err
	}
	decision := consent.Evaluate(policy, who.purpose, who.role, request.AtMS)
	if !decision.Authorized {
		entry, err := o.appendDenied(who, decision, schemagov.EventInferenceExecuted, request.AtMS)
		if err != nil {
			return InferenceResult{}, err
		}
		return InferenceResult{Decision: decision, Entry: entry}, nil
	}

	buildInput.Consent = *policy
	built, err := manifest.Build(buildInput)
	if err != nil {
		return InferenceResult{}, err
	}
	if o.signingKey != nil {
		if err := manifest.Sign(&built, o.signingKey); err != nil {
			return InferenceResult{}, err
		}
	}
	manifestHash, err := o.manifests.Put(ctx, built)
	if err != nil {
		return InferenceResult{}, collaboratorFailure("store manifest", err)
	}
	entry, err := o.ledger.Append(schemagov.EventInferenceExecuted, map[string]any{
		"actor_id":          who.id,
		"actor_role":        who.role,
		"purpose":           who.purpose,
		"consent_policy_id": who.policyID,
		"manifest_hash":     manifestHash,
	}, request.AtMS)
	if err != nil {
		return InferenceResult{}, err
	}
	o.logger.Info("inference recorded", "actor_id", who.id, "policy_id", who.policyID, "manifest_hash", manifestHash, "sequence", entry.SequenceNumber)
	return InferenceResult{Decision: decision, Manifest: &built, Entry: entry}, nil
}

// RecordDataAccess governs a plain read of one artifact.
func (o *Overlay) RecordDataAccess(ctx context.Context, request AccessRequest) (AccessResult, error) {
	who := newActor(request.ActorID, request.ActorRole, request.Purpose, request.ConsentPolicyID)
	if err := who.validate(request.AtMS); err != nil {
		return AccessResult{}, err
	}
	artifact := schemagov.ArtifactRef{URI: strings.TrimSpace(request.Artifact.URI), Hash: strings.TrimSpace(request.Artifact.Hash)}
	if artifact.URI == "" || artifact.Hash == "" {
		return AccessResult{}, invalidInput("artifact uri and hash are required")
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.ensureWritable(); err != nil {
		return AccessResult{}, err
	}
	policy, err := o.loadPolicy(ctx, who.policyID)
	if err != nil {
		return AccessResult{}, err
	}
	decision := consent.Evaluate(policy, who.purpose, who.role, request.AtMS)
	if !decision.Authorized {
		entry, err := o.appendDenied(who, decision, schemagov.EventDataAccessed, request.AtMS)
		if err != nil {
			return AccessResult{}, err
		}
		return AccessResult{Decision: decision, Entry: entry}, nil
	}
	entry, err := o.ledger.Append(schemagov.EventDataAccessed, map[string]any{
		"actor_id":          who.id,
		"actor_role":        who.role,
		"purpose":           who.purpose,
		"consent_policy_id": who.policyID,
		"artifact_uri":      artifact.URI,
		"artifact_hash":     artifact.Hash,
	}, request.AtMS)
	if err != nil {
		return AccessResult{}, err
	}
	o.logger.Info("data access recorded", "actor_id", who.id, "policy_id", who.policyID, "artifact_hash", artifact.Hash, "sequence", entry.SequenceNumber)
	return AccessResult{Decision: decision, Entry: entry}, nil
}

// appendDenied records a denial. event names the action that was blocked.
func (o *Overlay) appendDenied(who actor, decision consent.Decision, event schemagov.EventType, atMS int64) (schemagov.LedgerEntry, error) {
	entry, err := o.ledger.Append(schemagov.EventAccessDenied, map[string]any{
		"reason":            string(decision.Reason),
		"actor_id":          who.id,
		"actor_role":        who.role,
		"purpose":           who.purpose,
		"consent_policy_id": who.policyID,
		"event":             string(event),
	}, atMS)
	if err != nil {
		return schemagov.LedgerEntry{}, err
	}
	o.logger.Info("access denied", "actor_id", who.id, "policy_id", who.policyID, "reason", string(decision.Reason), "sequence", entry.SequenceNumber)
	return entry, nil
}
