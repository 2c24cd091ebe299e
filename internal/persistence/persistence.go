package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Workflows WorkflowStore
	Runs      RunStore
	Jobs      JobStore
}

// NewPersistence bundles a backend that implements all three stores.
func NewPersistence[S interface {
	WorkflowStore
	RunStore
	JobStore
}](s S) Persistence {
	return Persistence{Workflows: s, Runs: s, Jobs: s}
}
