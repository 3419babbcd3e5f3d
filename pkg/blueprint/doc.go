// Package blueprint applies parsed topology blueprints through the kernel.
//
// NewPlan turns a blueprint into a graph of steps (create, connection
// actions, attach, element actions) grouped into levels. Executor runs the
// levels in order and the steps of a level in parallel, skipping steps whose
// dependencies did not succeed. Teardown destroys what an apply created.
package blueprint
