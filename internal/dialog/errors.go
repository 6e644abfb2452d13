package dialog

import "errors"

var (
	// ErrNotFound indicates the dialog does not exist.
	ErrNotFound = errors.New("dialog not found")
	// ErrAlreadyAssigned indicates a claim lost the race against another agent.
	ErrAlreadyAssigned = errors.New("dialog already assigned")
	// ErrDialogLocked indicates the dialog belongs to another agent.
	ErrDialogLocked = errors.New("dialog assigned to another agent")
	// ErrForbidden indicates the caller's role does not permit the operation.
	ErrForbidden = errors.New("operation not permitted")
	// ErrInvalidTarget indicates the transfer target cannot take the dialog.
	ErrInvalidTarget = errors.New("invalid transfer target")
	// ErrClosed indicates the operation requires an open dialog.
	ErrClosed = errors.New("dialog is closed")
)
