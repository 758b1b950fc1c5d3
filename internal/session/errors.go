package session

import (
	"errors"
	"fmt"

	"github.com/tiroq/recbridge/internal/artifact"
)

// Error taxonomy shared by the engine, the bridge and the observer client.
var (
	ErrInvalidState               = errors.New("invalid state")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrStartFailed                = errors.New("start failed")
	ErrArtifactVerificationFailed = artifact.ErrVerificationFailed
	ErrDeliveryFailure            = errors.New("observer delivery failed")
)

// Wire codes for command errors.
const (
	CodeOK                         = "OK"
	CodeInvalidState               = "INVALID_STATE"
	CodePermissionDenied           = "PERMISSION_DENIED"
	CodeStartFailed                = "START_FAILED"
	CodeArtifactVerificationFailed = "ARTIFACT_VERIFICATION_FAILED"
	CodeInternal                   = "INTERNAL"
)

// Code maps err to its wire code. A nil error maps to CodeOK.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrStartFailed):
		return CodeStartFailed
	case errors.Is(err, ErrArtifactVerificationFailed):
		return CodeArtifactVerificationFailed
	default:
		return CodeInternal
	}
}

// FromCode rebuilds an error received over the wire so that errors.Is keeps
// working on the observer side.
func FromCode(code, msg string) error {
	var base error
	switch code {
	case CodeOK, "":
		return nil
	case CodeInvalidState:
		base = ErrInvalidState
	case CodePermissionDenied:
		base = ErrPermissionDenied
	case CodeStartFailed:
		base = ErrStartFailed
	case CodeArtifactVerificationFailed:
		base = ErrArtifactVerificationFailed
	default:
		if msg == "" {
			return fmt.Errorf("request failed (code %s)", code)
		}
		return fmt.Errorf("request failed (code %s): %s", code, msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
