// Package hap is the root of a HomeKit Accessory Protocol server library:
// pairing and session security (pkg/hap/pairing, pkg/hap/transport),
// the accessory attribute database (pkg/hap/accessory), the HAP request
// dispatcher (pkg/hap/server), the event dispatcher (pkg/hap/event) and
// mDNS advertisement (pkg/hap/advertise). This file only carries the
// library-wide logging hook; everything else lives in its own package.
package hap

import "github.com/rs/zerolog"

// base is the parent logger every component's Logger derives from. A
// library should not write to stdout on an embedder's behalf, so the
// default is zerolog.Nop() until SetLogger is called (mirroring the
// teacher's own module-level Logger variable, but library-safe).
var base = zerolog.Nop()

// SetLogger installs the parent logger for every component. Call it once
// at startup, before constructing a Server; components read it lazily via
// Logger.
func SetLogger(l zerolog.Logger) {
	base = l
}

// Logger returns a child logger tagged with the calling component's name,
// following the teacher's internal/app.GetLogger(module) convention.
func Logger(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
