package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/davidahmann/govledger/core/consent"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type policyOutput struct {
	OK       bool                     `json:"ok"`
	Policy   *schemagov.ConsentPolicy `json:"policy,omitempty"`
	Entry    *schemagov.LedgerEntry   `json:"entry,omitempty"`
	Decision *consent.Decision        `json:"decision,omitempty"`
	errorFields
}

func runPolicy(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Create, revoke and check consent policies. Creation and revocation are recorded in the ledger.")
	}
	if len(arguments) == 0 {
		printPolicyUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "create":
		return runPolicyCreate(arguments[1:])
	case "revoke":
		return runPolicyRevoke(arguments[1:])
	case "check":
		return runPolicyCheck(arguments[1:])
	case "--help", "-h":
		printPolicyUsage()
		return exitOK
	default:
		printPolicyUsage()
		return exitInvalidInput
	}
}

func runPolicyCreate(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"config": true, "file": true, "id": true, "subject": true,
		"purposes": true, "roles": true, "valid-from": true, "valid-until": true,
	})
	var common commonFlags
	flagSet := newFlagSet("policy-create", &common)

	var file, policyID, subject, purposes, roles string
	var validFrom, validUntil int64
	var nonRevocable bool
	flagSet.StringVar(&file, "file", "", "policy document (yaml or json)")
	flagSet.StringVar(&policyID, "id", "", "policy id; generated when empty")
	flagSet.StringVar(&subject, "subject", "", "data subject id")
	flagSet.StringVar(&purposes, "purposes", "", "comma separated allowed purposes")
	flagSet.StringVar(&roles, "roles", "", "comma separated allowed roles")
	flagSet.Int64Var(&validFrom, "valid-from", -1, "window start in epoch ms; defaults to now")
	flagSet.Int64Var(&validUntil, "valid-until", -1, "window end in epoch ms; open ended when omitted")
	flagSet.BoolVar(&nonRevocable, "non-revocable", false, "create a policy that cannot be revoked")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyOutput("policy create", common.jsonOutput, policyOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printPolicyUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return policyFailure("policy create", common.jsonOutput, wrapInvalid(fmt.Errorf("unexpected positional arguments")))
	}
	if file != "" && (subject != "" || purposes != "" || roles != "") {
		return policyFailure("policy create", common.jsonOutput, wrapInvalid(fmt.Errorf("--file cannot be combined with inline policy flags")))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return policyFailure("policy create", common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()

	var policy schemagov.ConsentPolicy
	if file != "" {
		policy, err = consent.LoadPolicyFile(file)
		if err != nil {
			return policyFailure("policy create", common.jsonOutput, wrapInvalid(err))
		}
	} else {
		if strings.TrimSpace(policyID) == "" {
			policyID = "consent_" + uuid.NewString()
		}
		if validFrom < 0 {
			validFrom = ws.overlay.Now()
		}
		var until *int64
		if validUntil >= 0 {
			until = &validUntil
		}
		policy, err = consent.NewPolicy(consent.PolicyOptions{
			PolicyID:        policyID,
			SubjectID:       subject,
			AllowedPurposes: splitCSV(purposes),
			AllowedRoles:    splitCSV(roles),
			ValidFromMS:     validFrom,
			ValidUntilMS:    until,
			Revocable:       !nonRevocable,
		})
		if err != nil {
			return policyFailure("policy create", common.jsonOutput, err)
		}
	}

	stored, entry, err := ws.overlay.StoreConsentPolicy(context.Background(), policy)
	if err != nil {
		return policyFailure("policy create", common.jsonOutput, err)
	}
	return writePolicyOutput("policy create", common.jsonOutput, policyOutput{OK: true, Policy: &stored, Entry: &entry}, exitOK)
}

func runPolicyRevoke(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "at": true})
	var common commonFlags
	flagSet := newFlagSet("policy-revoke", &common)
	var at int64
	flagSet.Int64Var(&at, "at", -1, "revocation time in epoch ms; defaults to now")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyOutput("policy revoke", common.jsonOutput, policyOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printPolicyUsage()
		return exitOK
	}
	if len(flagSet.Args()) != 1 {
		return policyFailure("policy revoke", common.jsonOutput, wrapInvalid(fmt.Errorf("expected exactly one policy id")))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return policyFailure("policy revoke", common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()
	if at < 0 {
		at = ws.overlay.Now()
	}
	policy, entry, err := ws.overlay.RevokeConsent(context.Background(), flagSet.Arg(0), at)
	if err != nil {
		return policyFailure("policy revoke", common.jsonOutput, err)
	}
	return writePolicyOutput("policy revoke", common.jsonOutput, policyOutput{OK: true, Policy: &policy, Entry: &entry}, exitOK)
}

func runPolicyCheck(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "at": true, "purpose": true, "role": true})
	var common commonFlags
	flagSet := newFlagSet("policy-check", &common)
	var purpose, role string
	var at int64
	flagSet.StringVar(&purpose, "purpose", "", "requested purpose")
	flagSet.StringVar(&role, "role", "", "requesting role")
	flagSet.Int64Var(&at, "at", -1, "evaluation time in epoch ms; defaults to now")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyOutput("policy check", common.jsonOutput, policyOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printPolicyUsage()
		return exitOK
	}
	if len(flagSet.Args()) != 1 {
		return policyFailure("policy check", common.jsonOutput, wrapInvalid(fmt.Errorf("expected exactly one policy id")))
	}

	ws, err := openWorkspace(context.Background(), common.configPath, false)
	if err != nil {
		return policyFailure("policy check", common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()
	if at < 0 {
		at = ws.overlay.Now()
	}
	decision, err := ws.overlay.CheckConsent(context.Background(), flagSet.Arg(0), purpose, role, at)
	if err != nil {
		return policyFailure("policy check", common.jsonOutput, err)
	}
	exitCode := exitOK
	if !decision.Authorized {
		exitCode = exitConsentDenied
	}
	return writePolicyOutput("policy check", common.jsonOutput, policyOutput{OK: decision.Authorized, Decision: &decision}, exitCode)
}

func policyFailure(command string, jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err, exitInternalFailure)
	return writePolicyOutput(command, jsonOutput, policyOutput{errorFields: errorFieldsFor(err, exitCode)}, exitCode)
}

func writePolicyOutput(command string, jsonOutput bool, output policyOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		switch {
		case output.Error != "":
			fmt.Printf("%s error: %s\n", command, output.Error)
		case output.Decision != nil && output.Decision.Authorized:
			fmt.Printf("%s: authorized\n", command)
		case output.Decision != nil:
			fmt.Printf("%s: denied reason=%s\n", command, output.Decision.Reason)
		default:
			fmt.Printf("%s ok: policy_id=%s sequence=%d entry_hash=%s\n", command, output.Policy.PolicyID, output.Entry.SequenceNumber, output.Entry.EntryHash)
		}
	})
}

func printPolicyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  govledger policy create (--file <policy.yaml> | --subject <id> --purposes <csv> --roles <csv> [--id <policy_id>] [--valid-from <ms>] [--valid-until <ms>] [--non-revocable]) [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger policy revoke <policy_id> [--at <ms>] [--config <path>] [--json] [--explain]")
	fmt.Println("  govledger policy check <policy_id> --purpose <purpose> --role <role> [--at <ms>] [--config <path>] [--json] [--explain]")
}
