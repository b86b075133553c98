// Package log defines the logging interface and typed logging fields used
// across the library.
//
// Adapters (such as the zap package) implement Logger so components can keep
// logging calls consistent across backends. Components accept a Logger at
// construction and fall back to NewNop when given nil.
package log
