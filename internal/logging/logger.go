// Package logging provides the small structured-logging seam shared by the
// bus and PPU. Components take a Logger instead of
// calling the log package directly so tests can run silent.
package logging

import "log"

// Logger receives warnings about recoverable conditions: an unmapped bus
// address, an LCD switched off outside V-blank.
type Logger interface {
	Warnf(format string, args ...any)
}

// Std forwards warnings to the standard library logger, prefixed with the
// component name.
type Std struct {
	Component string
}

func (s Std) Warnf(format string, args ...any) {
	if s.Component != "" {
		log.Printf("["+s.Component+"] "+format, args...)
		return
	}
	log.Printf(format, args...)
}

// Discard drops every warning. The zero value of most components defaults
// to this so tests never need to wire a logger.
type Discard struct{}

func (Discard) Warnf(string, ...any) {}

var (
	_ Logger = Std{}
	_ Logger = Discard{}
)
