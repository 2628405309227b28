package sheetsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnectivity           = errors.New("connectivity error")
	ErrSchema                 = errors.New("schema mismatch")
	ErrValidation             = errors.New("validation threshold exceeded")
	ErrAmbiguousMatch         = errors.New("ambiguous composite key match")
	ErrDuplicateRemoteBinding = errors.New("remote item already bound to another local item")
	ErrInvalidMapping         = errors.New("invalid mapping")
	ErrIntegrity              = errors.New("integrity violation")
	ErrQuotaExceeded          = errors.New("remote quota exceeded")
	ErrSyncInProgress         = errors.New("sync already in progress")
)

// ConnectivityError wraps a failure to reach either store.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrConnectivity.Error(), e.Target)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConnectivity.Error(), e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectivity}
	}
	return []error{ErrConnectivity, e.Err}
}

type SchemaError struct {
	Table   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: table %s missing %s", ErrSchema.Error(), e.Table, strings.Join(e.Missing, ", "))
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

type ValidationError struct {
	Stage   string
	Invalid int
	Total   int
	Rate    float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %d/%d invalid (%.2f%%)", ErrValidation.Error(), e.Stage, e.Invalid, e.Total, e.Rate*100)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type AmbiguousMatchError struct {
	Key        CompositeKey
	Candidates []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%s: %s candidates=[%s]", ErrAmbiguousMatch.Error(), e.Key, strings.Join(e.Candidates, ","))
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrAmbiguousMatch }

type DuplicateRemoteBindingError struct {
	LocalItemId      uint
	RemoteItemId     string
	BoundLocalItemId uint
	BoundRemoteId    string
}

func (e *DuplicateRemoteBindingError) Error() string {
	if e.BoundRemoteId != "" {
		return fmt.Sprintf("%s: local item %d is bound to remote %q, refused %q",
			ErrDuplicateRemoteBinding.Error(), e.LocalItemId, e.BoundRemoteId, e.RemoteItemId)
	}
	return fmt.Sprintf("%s: remote %q is bound to local item %d, refused local item %d",
		ErrDuplicateRemoteBinding.Error(), e.RemoteItemId, e.BoundLocalItemId, e.LocalItemId)
}

func (e *DuplicateRemoteBindingError) Unwrap() error { return ErrDuplicateRemoteBinding }

type IntegrityViolation struct {
	Check  string
	Detail string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrIntegrity.Error(), e.Check, e.Detail)
}

func (e *IntegrityViolation) Unwrap() error { return ErrIntegrity }

type QuotaExceededError struct {
	Op  string
	Err error
}

func (e *QuotaExceededError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrQuotaExceeded.Error(), e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrQuotaExceeded.Error(), e.Op, e.Err)
}

func (e *QuotaExceededError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrQuotaExceeded}
	}
	return []error{ErrQuotaExceeded, e.Err}
}

// error codes stored in SyncRunError.Code
const (
	codeAmbiguousMatch    = "AMBIGUOUS_MATCH"
	codeDuplicateBinding  = "DUPLICATE_BINDING"
	codeMissingParent     = "MISSING_PARENT"
	codeInvalidRow        = "INVALID_ROW"
	codeRemoteWrite       = "REMOTE_WRITE"
	codeDateCorrected     = "DATE_CORRECTED"
	codeRemoteMissing     = "REMOTE_MISSING"
	codePassFailure       = "PASS_FAILURE"
	codeSingletonConfig   = "CONFIG_SINGLETON_VIOLATION"
	codeIntegrityFailure  = "INTEGRITY"
	codeQuotaExceeded     = "QUOTA_EXCEEDED"
	codeConnectivityError = "CONNECTIVITY"
)
