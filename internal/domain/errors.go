package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrTierFailure wraps provider errors at a classification tier.
	ErrTierFailure = errors.New("classification tier failure")

	ErrCompileInProgress = errors.New("policy compile already in progress for tenant")
	ErrStaleVersion      = errors.New("policy version is not newer than the active artifact")
	ErrInvalidRuleSet    = errors.New("invalid rule set")

	ErrArtifactUnavailable     = errors.New("policy artifact unavailable")
	ErrUnauthorizedAction      = errors.New("action not on allowlist")
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
)
