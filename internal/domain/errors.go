package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateName     = errors.New("name already registered")
	ErrInactiveEntry     = errors.New("catalog entry is inactive")
	ErrInvalidSchedule   = errors.New("invalid schedule definition")
	ErrInvalidTransition = errors.New("invalid execution state transition")
	ErrAlreadyResolved   = errors.New("alert already resolved")
	ErrDuplicateAlert    = errors.New("unresolved alert of this type already exists")
	ErrDispatch          = errors.New("worker pool unreachable")
	ErrClaimLost         = errors.New("claim lost to another dispatcher")
)
