package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	coreerrors "github.com/davidahmann/sterile/core/errors"
)

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitVerifyFailed    = 2
	exitInvalidInput    = 6
)

// usageError marks argument and flag mistakes caught before any work starts.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

type errorEnvelope struct {
	OK            bool     `json:"ok"`
	Error         string   `json:"error"`
	ErrorCode     string   `json:"error_code"`
	ErrorCategory string   `json:"error_category"`
	Hint          string   `json:"hint,omitempty"`
	Details       []string `json:"details,omitempty"`
}

func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var usage usageError
	if stderrors.As(err, &usage) {
		return exitInvalidInput
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryVerification:
		return exitVerifyFailed
	default:
		return exitInternalFailure
	}
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	default:
		return "internal_failure"
	}
}

func newErrorEnvelope(err error) (errorEnvelope, int) {
	exitCode := exitCodeForError(err)
	envelope := errorEnvelope{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Hint:          coreerrors.HintOf(err),
		Details:       coreerrors.DetailsOf(err),
	}
	if envelope.ErrorCode == "" {
		envelope.ErrorCode = defaultErrorCode(exitCode)
	}
	if envelope.ErrorCategory == "" {
		envelope.ErrorCategory = string(defaultErrorCategory(exitCode))
	}
	return envelope, exitCode
}

// resultError carries the partial result of a failed command so --json output
// still includes it next to the error fields.
type resultError struct {
	payload any
	err     error
}

func (e resultError) Error() string { return e.err.Error() }
func (e resultError) Unwrap() error { return e.err }

func withResult(payload any, err error) error {
	if err == nil {
		return nil
	}
	return resultError{payload: payload, err: err}
}

func (a *app) reportError(err error) int {
	envelope, exitCode := newErrorEnvelope(err)
	if a.jsonOutput {
		object := map[string]any{}
		var partial resultError
		if stderrors.As(err, &partial) && partial.payload != nil {
			if decoded, decodeErr := toObject(partial.payload); decodeErr == nil {
				object = decoded
			}
		}
		envelopeObject, encodeErr := toObject(envelope)
		if encodeErr != nil {
			_, _ = fmt.Fprintln(a.stdout, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure"}`)
			return exitInternalFailure
		}
		for key, value := range envelopeObject {
			object[key] = value
		}
		encoded, marshalErr := json.Marshal(object)
		if marshalErr != nil {
			_, _ = fmt.Fprintln(a.stdout, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure"}`)
			return exitInternalFailure
		}
		_, _ = fmt.Fprintln(a.stdout, string(encoded))
		return exitCode
	}
	_, _ = fmt.Fprintf(a.stderr, "sterile: %s: %v\n", envelope.ErrorCode, err)
	if envelope.Hint != "" {
		_, _ = fmt.Fprintf(a.stderr, "hint: %s\n", envelope.Hint)
	}
	return exitCode
}

func toObject(value any) (map[string]any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var object map[string]any
	if err := json.Unmarshal(encoded, &object); err != nil {
		return nil, err
	}
	return object, nil
}

// writeResult prints a success payload: the JSON object with ok=true under
// --json, or text otherwise.
func (a *app) writeResult(payload any, text string) error {
	if !a.jsonOutput {
		_, err := fmt.Fprintln(a.stdout, text)
		return err
	}
	object, err := toObject(payload)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	object["ok"] = true
	encoded, err := json.Marshal(object)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(a.stdout, string(encoded))
	return err
}
