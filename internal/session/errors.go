package session

import (
	"errors"
	"fmt"

	"github.com/pagerelay/pagerelay/internal/resolve"
)

// FailureCode is the machine-readable classification carried on every
// structured session failure.
type FailureCode string

const (
	CodeExtractionTimeout     FailureCode = "ExtractionTimeout"
	CodeExtractionFailed      FailureCode = "ExtractionFailed"
	CodePromptNotFound        FailureCode = "PromptNotFound"
	CodePlatformUnresolved    FailureCode = "PlatformUnresolved"
	CodeCredentialsMissing    FailureCode = "CredentialsMissing"
	CodeDestinationCallFailed FailureCode = "DestinationCallFailed"
)

// SessionError is the structured failure surfaced to callers. Fatal codes
// terminate the session at status=error; the extraction codes are logged
// and degrade to prompt-only processing instead.
type SessionError struct {
	Code FailureCode
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// classifyResolveErr maps resolver sentinels onto failure codes.
func classifyResolveErr(err error) *SessionError {
	code := CodePlatformUnresolved
	switch {
	case errors.Is(err, resolve.ErrPromptNotFound):
		code = CodePromptNotFound
	case errors.Is(err, resolve.ErrCredentialsMissing):
		code = CodeCredentialsMissing
	}
	return &SessionError{Code: code, Err: err}
}
