package workflow

import "errors"

// Sentinel errors for the workflow package.
var (
	// ErrConfiguration marks a workflow config that cannot be built:
	// unknown member kind, edge referencing an unknown member, or a
	// non-loop dependency cycle surviving into instantiation.
	ErrConfiguration = errors.New("invalid workflow configuration")

	// ErrCircularDependency is returned when a proposed edge would close
	// a cycle and is not flagged as a loop edge.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrTurnActive is returned when a turn is requested while another
	// turn of the same conversation is still responding.
	ErrTurnActive = errors.New("turn already in progress")

	// ErrNoCompleter is returned by the default agent member when the
	// conversation has no Completer configured.
	ErrNoCompleter = errors.New("no completer configured")
)

// errStopProduce aborts a producer from inside its emit callback once the
// engine has seen a skip marker. Never surfaced to callers.
var errStopProduce = errors.New("stop producing")
