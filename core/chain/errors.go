package chain

import "errors"

var (
	// ErrNotFound indicates the chain does not exist in storage.
	ErrNotFound = errors.New("chain_not_found")
	// ErrStepNotFound indicates a step does not belong to its chain anymore.
	ErrStepNotFound = errors.New("step_not_found")
	// ErrConfig indicates malformed builder or signal input. Surfaced at build
	// time, never persisted.
	ErrConfig = errors.New("invalid_configuration")
	// ErrLockBusy indicates the per-chain lock could not be obtained in time.
	ErrLockBusy = errors.New("chain_locked")
	// ErrNotRegistered indicates a payload, callback, or middleware name that
	// was never registered.
	ErrNotRegistered = errors.New("not_registered")
)
