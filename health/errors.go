package health

import "errors"

var (
	ErrSeverityInvalid    = errors.New("invalid health severity")
	ErrSubsystemUnknown   = errors.New("unknown health subsystem")
	ErrSubsystemRequired  = errors.New("at least one subsystem is required")
	ErrRegistryClosed     = errors.New("health registry is closed")
	ErrRegistryRequired   = errors.New("health registry is required")
	ErrSubsystemDuplicate = errors.New("duplicate health subsystem")
)
