package claims

import (
	"fmt"
	"regexp"
)

// icd10Pattern matches a letter followed by two digits, with an optional
// decimal part of one or two digits (e.g. E11, E11.9, M54.50).
var icd10Pattern = regexp.MustCompile(`^[A-Z]\d{2}(\.\d{1,2})?$`)

// cptPattern matches a five-digit CPT procedure code.
var cptPattern = regexp.MustCompile(`^\d{5}$`)

// ValidationResult separates blocking errors from advisory warnings.
// Warnings never block submission; they are surfaced in the response and
// logged so billing staff can correct the source data.
type ValidationResult struct {
	Errors   []string `json:"validationErrors"`
	Warnings []string `json:"validationWarnings"`
}

// Valid reports whether the claim may be submitted.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// ValidateSubmit checks an inbound claim for required fields and code-format
// problems. It is pure: no I/O, no payor calls.
func ValidateSubmit(req *SubmitRequest) ValidationResult {
	var res ValidationResult

	if req.PatientName == "" {
		res.Errors = append(res.Errors, "patient_name is required")
	}
	if req.InsuranceID == "" {
		res.Errors = append(res.Errors, "insurance_id is required")
	}
	diagnosis := req.PrimaryDiagnosis()
	if diagnosis == "" {
		res.Errors = append(res.Errors, "diagnosis_code is required")
	}
	amount, ok := req.EffectiveAmount()
	if !ok {
		res.Errors = append(res.Errors, "amount_requested is required")
	} else if amount <= 0 {
		res.Errors = append(res.Errors, "amount_requested must be greater than zero")
	}

	procedure := req.PrimaryProcedure()
	if procedure == "" {
		res.Warnings = append(res.Warnings, "procedure_code is missing")
	} else if !cptPattern.MatchString(procedure) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("procedure_code %q does not look like a CPT code (expected 5 digits)", procedure))
	}
	if req.ServiceDate == "" {
		res.Warnings = append(res.Warnings, "date_of_service is missing")
	}
	if diagnosis != "" && !icd10Pattern.MatchString(diagnosis) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("diagnosis_code %q does not match the ICD-10 format", diagnosis))
	}
	for _, code := range req.DiagnosisCodes {
		if code != diagnosis && !icd10Pattern.MatchString(code) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("diagnosis_code %q does not match the ICD-10 format", code))
		}
	}
	for _, code := range req.ProcedureCodes {
		if code != procedure && !cptPattern.MatchString(code) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("procedure_code %q does not look like a CPT code (expected 5 digits)", code))
		}
	}

	return res
}
