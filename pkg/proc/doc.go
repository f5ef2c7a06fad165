// Package proc is the tracer engine.
//
// proc implements:
// * resolution of symbol offsets to addresses inside the module range
// * the breakpoint table and the install / restore / re-arm protocol
// * the event loop over every traced thread and crash classification
//
// The engine drives the traced process only through the Target interface,
// see package native for the ptrace implementation.
package proc
