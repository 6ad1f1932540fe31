package task

type submitConfig struct {
	id             string
	priority       int
	forceInterrupt bool
}

type SubmitOption func(*submitConfig)

// WithID overrides the generated ULID.
func WithID(id string) SubmitOption {
	return func(c *submitConfig) { c.id = id }
}

// WithPriority orders the task in the pool queue. Higher runs first.
func WithPriority(p int) SubmitOption {
	return func(c *submitConfig) { c.priority = p }
}

// WithForceInterrupt overrides the pool's policy for this task. When on, a
// timeout cancels the context handed to the work.
func WithForceInterrupt(on bool) SubmitOption {
	return func(c *submitConfig) { c.forceInterrupt = on }
}
