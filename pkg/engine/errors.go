package engine

import "errors"

// Sentinel errors shared by engine implementations and the orchestrator.
var (
	// ErrResourceExhausted signals that the accelerated path could not
	// allocate working memory for the requested tile size. This is the only
	// recoverable inference failure: the memory guard reacts by shrinking
	// the tile or downgrading the execution mode.
	ErrResourceExhausted = errors.New("engine: accelerated memory exhausted")

	// ErrInvalidImage signals input the model cannot process (empty tile,
	// unsupported channel layout). Fatal, never retried.
	ErrInvalidImage = errors.New("engine: invalid input image")

	// ErrEngineClosed signals use of an engine after Close
	ErrEngineClosed = errors.New("engine: engine is closed")
)
