// Package verrors defines the stable error taxonomy used across the vault
// integrity engine. Codes are part of the external contract: message text
// may change, codes never do.
package verrors

import "fmt"

// Code is a stable error identifier, independent of message text.
type Code string

const (
	CodeHashMismatch        Code = "E001"
	CodeBrokenCausalChain   Code = "E002"
	CodeInvalidSignature    Code = "E003"
	CodeHashFormat          Code = "E100"
	CodeKeyNotFound         Code = "E204"
	CodeRequiredFieldMissing Code = "E300"
	CodeVaultStructureInvalid Code = "E302"
)

var docBase = "https://provara.dev/errors/"

// ProvaraError is the structured error shape: what failed, why, and a
// pointer to the governing spec section.
type ProvaraError struct {
	Code         Code
	Message      string
	Context      map[string]any
	SpecSections []string
}

func (e *ProvaraError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DocURL returns the stable documentation URL for this error's code.
func (e *ProvaraError) DocURL() string {
	return docBase + string(e.Code)
}

// New constructs a ProvaraError citing the given spec sections; attach
// context fields with WithContext.
func New(code Code, message string, specSections ...string) *ProvaraError {
	return &ProvaraError{Code: code, Message: message, SpecSections: specSections}
}

// WithContext attaches key/value context to the error (builder style, does
// not mutate the receiver's identity).
func (e *ProvaraError) WithContext(key string, value any) *ProvaraError {
	next := *e
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	next.Context = ctx
	return &next
}

func HashMismatch(msg string) *ProvaraError {
	return New(CodeHashMismatch, msg, "§3 Invariants", "§8 Invariants")
}

func BrokenCausalChain(msg string) *ProvaraError {
	return New(CodeBrokenCausalChain, msg, "§3 Invariants", "§4.4")
}

func InvalidSignature(msg string) *ProvaraError {
	return New(CodeInvalidSignature, msg, "§4.3")
}

func HashFormat(msg string) *ProvaraError {
	return New(CodeHashFormat, msg, "§3")
}

func KeyNotFound(msg string) *ProvaraError {
	return New(CodeKeyNotFound, msg, "§3 Key", "§4.3")
}

func RequiredFieldMissing(msg string) *ProvaraError {
	return New(CodeRequiredFieldMissing, msg, "§3 Event")
}

func VaultStructureInvalid(msg string) *ProvaraError {
	return New(CodeVaultStructureInvalid, msg, "§3 Vault")
}

// Problem is a single non-fatal finding surfaced by a total verification
// function — it never halts the scan that produced it.
type Problem struct {
	Code    Code
	Message string
	Detail  map[string]any
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Message)
}
