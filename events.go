package voltgrid

import "time"

// Built-in events observable by user reactors.

// Startup is emitted exactly once, Direct-scoped, after installation and
// before the worker pool runs.
type Startup struct{}

// Shutdown is emitted exactly once when shutdown is requested, before the
// scheduler begins draining, so reactors can clean up.
type Shutdown struct{}

// CommandLineArguments carries os.Args, emitted Initialize-scoped at plant
// construction.
type CommandLineArguments []string

// NetworkConfiguration configures (or reconfigures) the peer transport.
// Emitting it resets the mesh membership.
type NetworkConfiguration struct {
	Name           string
	MulticastGroup string
	MulticastPort  int
	MTU            int
}

// NetworkJoin announces a newly admitted peer.
type NetworkJoin struct {
	Name    string
	Address string
	TCPPort int
	UDPPort int
}

// NetworkLeave announces a departed peer.
type NetworkLeave struct {
	Name    string
	Address string
	TCPPort int
	UDPPort int
}

// NetworkSource describes the peer a network payload arrived from. It is
// readable from OnNetwork handlers alongside the payload.
type NetworkSource struct {
	Name    string
	Address string
}

// ReactionStatistics is emitted after every completed task, except tasks
// whose own reaction handles statistics (which would recurse).
type ReactionStatistics struct {
	Identifier []string
	ReactionID uint64
	TaskID     uint64
	Priority   int
	Started    time.Time
	Finished   time.Time
	Worker     int

	// Exception is the handler's returned error or recovered panic;
	// nil for a clean run.
	Exception error
}

// LogMessage is emitted by the environment logging helpers so reactors can
// observe the log stream.
type LogMessage struct {
	Level   LogLevel
	Message string
}
