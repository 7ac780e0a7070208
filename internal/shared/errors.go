package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSession occurs when a stored session has no usable user id.
	ErrInvalidSession = errors.New("invalid session")
	// ErrAuditIncomplete rejects audit records missing action, entity or entity id.
	ErrAuditIncomplete = errors.New("audit log requires action/entity/entity_id")
)
