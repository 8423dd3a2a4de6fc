package governance

type EventType string

const (
	EventConsentCreated    EventType = "CONSENT_CREATED"
	EventConsentRevoked    EventType = "CONSENT_REVOKED"
	EventDataAccessed      EventType = "DATA_ACCESSED"
	EventAccessDenied      EventType = "ACCESS_DENIED"
	EventInferenceExecuted EventType = "INFERENCE_EXECUTED"
)

func (t EventType) Valid() bool {
	switch t {
	case EventConsentCreated, EventConsentRevoked, EventDataAccessed, EventAccessDenied, EventInferenceExecuted:
		return true
	}
	return false
}

type ConsentPolicy struct {
	PolicyID        string   `json:"policy_id" yaml:"policy_id"`
	SubjectID       string   `json:"subject_id" yaml:"subject_id"`
	AllowedPurposes []string `json:"allowed_purposes" yaml:"allowed_purposes"`
	AllowedRoles    []string `json:"allowed_roles" yaml:"allowed_roles"`
	ValidFromMS     int64    `json:"valid_from_ms" yaml:"valid_from_ms"`
	ValidUntilMS    *int64   `json:"valid_until_ms,omitempty" yaml:"valid_until_ms,omitempty"`
	Revocable       bool     `json:"revocable" yaml:"revocable"`
	RevokedAtMS     *int64   `json:"revoked_at_ms,omitempty" yaml:"revoked_at_ms,omitempty"`
}

// Clone returns a deep copy; manifests snapshot policies through it so later
// revocation cannot reach back into recorded evidence.
func (p ConsentPolicy) Clone() ConsentPolicy {
	out := p
	out.AllowedPurposes = append([]string(nil), p.AllowedPurposes...)
	out.AllowedRoles = append([]string(nil), p.AllowedRoles...)
	if p.ValidUntilMS != nil {
		value := *p.ValidUntilMS
		out.ValidUntilMS = &value
	}
	if p.RevokedAtMS != nil {
		value := *p.RevokedAtMS
		out.RevokedAtMS = &value
	}
	return out
}

type LedgerEntry struct {
	SequenceNumber int64          `json:"sequence_number"`
	TimestampMS    int64          `json:"timestamp_ms"`
	EventType      EventType      `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	PrevHash       string         `json:"prev_hash"`
	EntryHash      string         `json:"entry_hash"`
}

type ArtifactRef struct {
	URI  string `json:"uri"`
	Hash string `json:"hash"`
}

type PipelineFingerprint struct {
	PipelineID string            `json:"pipeline_id"`
	Version    string            `json:"version"`
	Digest     string            `json:"digest"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type ModelFingerprint struct {
	ModelID     string `json:"model_id"`
	Version     string `json:"version"`
	WeightsHash string `json:"weights_hash"`
	Framework   string `json:"framework,omitempty"`
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}

type ReproducibilityManifest struct {
	SchemaID          string                 `json:"schema_id"`
	SchemaVersion     string                 `json:"schema_version"`
	InputArtifactURI  string                 `json:"input_artifact_uri"`
	InputArtifactHash string                 `json:"input_artifact_hash"`
	OutputArtifacts   map[string]ArtifactRef `json:"output_artifacts"`
	PipelineManifest  PipelineFingerprint    `json:"pipeline_manifest"`
	ModelSpec         ModelFingerprint       `json:"model_spec"`
	ConsentSnapshot   ConsentPolicy          `json:"consent_snapshot"`
	ManifestHash      string                 `json:"manifest_hash,omitempty"`
	Signatures        []Signature            `json:"signatures,omitempty"`
}

type HeadAttestation struct {
	SchemaID       string    `json:"schema_id"`
	SchemaVersion  string    `json:"schema_version"`
	SequenceNumber int64     `json:"sequence_number"`
	EntryHash      string    `json:"entry_hash"`
	AttestedAtMS   int64     `json:"attested_at_ms"`
	Signature      Signature `json:"signature"`
}
