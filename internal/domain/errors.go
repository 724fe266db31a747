package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidIdentifier = errors.New("invalid swarm identifier")
	ErrSwarmTimeout      = errors.New("swarm timeout")
	ErrPoolExhausted     = errors.New("transcode pool exhausted")
	ErrTranscodeFailed   = errors.New("transcode failed")
	ErrRangeUnsupported  = errors.New("range not supported")
)
