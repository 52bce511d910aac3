package abac

import (
	"errors"
	"fmt"
	"strings"
)

// Recoverable resolution issues. Evaluation continues with the affected attributes absent.
var (
	ErrUnknownResourceType    = errors.New("unknown resource type")
	ErrUnknownEnvironmentType = errors.New("unknown environment type")
	ErrUnknownSubject         = errors.New("unknown subject")
	ErrAttributeOutOfDomain   = errors.New("attribute value outside declared domain")
)

// Policy-local errors. The offending policy is skipped and the rest of the evaluation proceeds.
var (
	ErrMaxConditionDepthExceeded = errors.New("max condition depth exceeded")
	ErrRegexCompile              = errors.New("regex compile failed")
	ErrInvalidTarget             = errors.New("invalid policy target")
	ErrInvalidPolicy             = errors.New("invalid policy")
	ErrInvalidCondition          = errors.New("invalid condition")
)

var (
	// ErrEvaluationTimeout aborts an evaluation whose context expired or was cancelled.
	// It never accompanies a decision.
	ErrEvaluationTimeout = errors.New("evaluation timeout")
	ErrNoSnapshot        = errors.New("no policy snapshot loaded")

	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidRecord   = errors.New("invalid record")

	ErrAuditQueryUnsupported = errors.New("audit sink does not support queries")
)

// RoleHierarchyCycleError reports a parent chain that revisits a role.
// It indicates corrupted authoring data and is fatal to the evaluation that hits it.
type RoleHierarchyCycleError struct {
	RoleID string
	Path   []string
}

func (e *RoleHierarchyCycleError) Error() string {
	return fmt.Sprintf("role hierarchy cycle at %s: %s", e.RoleID, strings.Join(e.Path, " -> "))
}

func timeoutError(err error) error {
	return fmt.Errorf("%w: %w", ErrEvaluationTimeout, err)
}

// isFatal reports whether err must abort the whole evaluation instead of a single policy.
func isFatal(err error) bool {
	var cycle *RoleHierarchyCycleError
	return errors.Is(err, ErrEvaluationTimeout) || errors.As(err, &cycle)
}
