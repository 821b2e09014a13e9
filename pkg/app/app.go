// Package app defines the runtime contract between cmd/* entrypoints and the
// settlement node processes they launch, so a binary can start a component
// without depending on its concrete wiring.
package app

// Runner is a long-lived process such as the settlement daemon. Run blocks
// until the process terminates.
type Runner interface {
	Run() error
}
