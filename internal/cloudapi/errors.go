package cloudapi

import "errors"

// Sentinel errors for cloud operations.
var (
	// ErrNoProvider is returned when attempting live operations without a configured provider.
	ErrNoProvider = errors.New("cloudapi: no provider configured for live operations")

	// ErrContextSwitch is returned when the session cannot select the
	// subscription a VM reference declares.
	ErrContextSwitch = errors.New("cloudapi: subscription context switch failed")

	// ErrVMNotFound is returned when the target VM or its resource group does not exist.
	ErrVMNotFound = errors.New("cloudapi: vm not found")

	// ErrTransientQuery is returned when a status query fails for network or
	// service reasons. Not retried here; callers decide.
	ErrTransientQuery = errors.New("cloudapi: transient status query failure")

	// ErrActionFailed is returned when a start or stop-and-deallocate call is rejected.
	ErrActionFailed = errors.New("cloudapi: power action failed")
)
