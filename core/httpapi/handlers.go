package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/govledger/core/consent"
	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/overlay"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

// The request types shadow at_time_ms with a pointer so an omitted time can
// fall back to the overlay clock.
type inferenceBody struct {
	overlay.InferenceRequest
	AtMS *int64 `json:"at_time_ms"`
}

type accessBody struct {
	overlay.AccessRequest
	AtMS *int64 `json:"at_time_ms"`
}

type revokeBody struct {
	AtMS *int64 `json:"at_time_ms"`
}

type checkBody struct {
	Purpose string `json:"purpose"`
	Role    string `json:"role"`
	AtMS    *int64 `json:"at_time_ms"`
}

type policyResponse struct {
	Policy schemagov.ConsentPolicy `json:"policy"`
	Entry  schemagov.LedgerEntry   `json:"entry"`
}

func (s *server) atOrNow(at *int64) int64 {
	if at == nil {
		return s.overlay.Now()
	}
	return *at
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"service":        "govledger",
		"request_id":     requestIDFrom(r.Context()),
		"ledger_entries": s.overlay.Ledger().Len(),
		"ledger_corrupt": s.overlay.Ledger().Corrupt(),
	})
}

func (s *server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := consent.ParsePolicyYAML(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, entry, err := s.overlay.StoreConsentPolicy(r.Context(), policy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, "result", policyResponse{Policy: stored, Entry: entry})
}

func (s *server) handleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	var req revokeBody
	if r.ContentLength != 0 {
		if err := s.readJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	policy, entry, err := s.overlay.RevokeConsent(r.Context(), chi.URLParam(r, "policy_id"), s.atOrNow(req.AtMS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, "result", policyResponse{Policy: policy, Entry: entry})
}

func (s *server) handleCheckPolicy(w http.ResponseWriter, r *http.Request) {
	var req checkBody
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := s.overlay.CheckConsent(r.Context(), chi.URLParam(r, "policy_id"), req.Purpose, req.Role, s.atOrNow(req.AtMS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, "decision", decision)
}

func (s *server) handleInference(w http.ResponseWriter, r *http.Request) {
	var req inferenceBody
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	request := req.InferenceRequest
	request.AtMS = s.atOrNow(req.AtMS)
	result, err := s.overlay.RecordInference(r.Context(), request)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, decisionStatus(result.Decision), "result", result)
}

func (s *server) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessBody
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	request := req.AccessRequest
	request.AtMS = s.atOrNow(req.AtMS)
	result, err := s.overlay.RecordDataAccess(r.Context(), request)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, decisionStatus(result.Decision), "result", result)
}

// A denial is a recorded outcome, so it is reported with the ledger entry
// rather than as an error envelope.
func decisionStatus(decision consent.Decision) int {
	if decision.Authorized {
		return http.StatusOK
	}
	return http.StatusForbidden
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.overlay.VerifyAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, "report", report)
}

func (s *server) handleHead(w http.ResponseWriter, r *http.Request) {
	head, ok := s.overlay.Ledger().Head()
	if !ok {
		s.writeError(w, r, coreerrors.New(coreerrors.CategoryStateConflict, coreerrors.CodeLedgerEmpty, "ledger has no entries"))
		return
	}
	writeOK(w, r, http.StatusOK, "entry", head)
}

func (s *server) handleEntry(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "sequence")), 10, 64)
	if err != nil || sequence < 0 {
		s.writeError(w, r, coreerrors.New(coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailed, "sequence must be a non-negative integer"))
		return
	}
	entry, ok := s.overlay.Ledger().Entry(sequence)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"request_id": requestIDFrom(r.Context()),
			"error":      errorBody{Code: "ENTRY_NOT_FOUND", Message: "no ledger entry at sequence " + strconv.FormatInt(sequence, 10)},
		})
		return
	}
	writeOK(w, r, http.StatusOK, "entry", entry)
}

func (s *server) handleAttest(w http.ResponseWriter, r *http.Request) {
	attestation, err := s.overlay.AttestHead(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, "attestation", attestation)
}
