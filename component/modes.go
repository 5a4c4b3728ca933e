package component

// DrainMode selects a drain(mode) behavior.
type DrainMode int

const (
	// DrainChain tunnels the drain to a downstream component; this core
	// never has a downstream, so it is always unsupported.
	DrainChain DrainMode = iota
	// DrainComponentNoEOS drains without emitting an EOS work item: a
	// documented no-op, always OK.
	DrainComponentNoEOS
	// DrainComponentWithEOS is the normal drain: posts drainTask and
	// eventually reports an EOS work.
	DrainComponentWithEOS
)

// FlushMode selects a flush(mode) behavior. Only
// FlushComponent is supported; anything else returns status.Omitted.
type FlushMode int

const (
	FlushComponent FlushMode = iota
	FlushChain
)
