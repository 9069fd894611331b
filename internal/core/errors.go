package core

import "errors"

// Sentinel errors shared by the agent packages.
var (
	// Configuration errors
	ErrConfigInvalid = errors.New("nanoagent: invalid configuration")

	// Capture errors
	ErrUnsupportedSource = errors.New("nanoagent: unsupported capture source")
	ErrUnsupportedLink   = errors.New("nanoagent: unsupported link type")

	// Dispatch errors
	ErrNoChannels = errors.New("nanoagent: no ipc channels available")
)
