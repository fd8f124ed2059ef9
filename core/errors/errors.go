package errors

import (
	"errors"
	"fmt"
	"sort"
)

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryVerification    Category = "verification_failed"
	CategoryIOFailure       Category = "io_failure"
	CategoryInternalFailure Category = "internal_failure"
)

// Codes name the violated invariant. Every one of them is fatal and none is
// retryable: each reflects a data-integrity or environment problem.
const (
	CodeSterilityViolation = "sterility_violation"
	CodePathTraversal      = "path_traversal"
	CodeChecksumMismatch   = "checksum_mismatch"
	CodeDirtyTree          = "dirty_tree"
	CodeHashComputation    = "hash_computation"
	CodeMerkleMismatch     = "merkle_mismatch"
	CodeSymlinkDetected    = "symlink_detected"
	CodeArchiveCorrupt     = "archive_corrupt"
	CodeArchiveExists      = "archive_exists"
	CodeRawSealed          = "raw_sealed"
	CodeInvalidArgument    = "invalid_argument"
	CodeVCSFailure         = "vcs_failure"
	CodeLedgerWrite        = "ledger_write"
)

type classifiedError struct {
	category Category
	code     string
	hint     string
	details  []string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

// Details lists the offending paths or digests, sorted.
func (e *classifiedError) Details() []string {
	return append([]string(nil), e.details...)
}

func Wrap(cause error, category Category, code, hint string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    cause,
	}
}

// New builds a classified error carrying the offending items as details.
func New(category Category, code, hint string, details []string, format string, args ...any) error {
	sorted := append([]string(nil), details...)
	sort.Strings(sorted)
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		details:  sorted,
		cause:    fmt.Errorf(format, args...),
	}
}

// Classified is implemented by errors that carry a category and code. Errors
// from other packages may implement it to take part in exit-code mapping.
type Classified interface {
	error
	Category() Category
	Code() string
	Hint() string
	Details() []string
}

func classifiedOf(err error) (Classified, bool) {
	var classified Classified
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

func CategoryOf(err error) Category {
	if classified, ok := classifiedOf(err); ok {
		return classified.Category()
	}
	return ""
}

func CodeOf(err error) string {
	if classified, ok := classifiedOf(err); ok {
		return classified.Code()
	}
	return ""
}

func HintOf(err error) string {
	if classified, ok := classifiedOf(err); ok {
		return classified.Hint()
	}
	return ""
}

func DetailsOf(err error) []string {
	if classified, ok := classifiedOf(err); ok {
		return classified.Details()
	}
	return nil
}

// HasCode reports whether any classified error in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		classified, ok := classifiedOf(err)
		if !ok {
			return false
		}
		if classified.Code() == code {
			return true
		}
		err = errors.Unwrap(classified)
	}
	return false
}
