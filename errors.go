package voltgrid

import "errors"

var (
	// ErrPlantExists is returned by New when a plant already exists in
	// this process. There should be exactly one.
	ErrPlantExists = errors.New("voltgrid: a power plant already exists in this process")

	// ErrZeroThreads rejects a configuration without at least one worker.
	ErrZeroThreads = errors.New("voltgrid: thread count must be at least 1")

	// ErrAlreadyStarted rejects installation and startup hooks once the
	// plant is running.
	ErrAlreadyStarted = errors.New("voltgrid: power plant already started")
)
