// Package logging centralizes the hypervisor core's diagnostic
// output. The teacher kernel funnels every console message through a
// handful of UART primitives (uartPuts, printChar); this module
// funnels the same traffic through a single structured logger instead.
package logging

import "github.com/sirupsen/logrus"

var base = logrus.New()

// Log is the package-wide logger. Components derive scoped entries
// from it with WithField/WithFields rather than constructing their
// own logrus.Logger.
var Log = logrus.NewEntry(base)

// SetLevel adjusts the base logger's verbosity; used by cmd/hvcore to
// honor a platform config's debug flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// VCPU returns a logger scoped to one vCPU, the unit most VGIC and
// scheduling log lines are naturally keyed on.
func VCPU(vmID, vcpuID int) *logrus.Entry {
	return Log.WithFields(logrus.Fields{"vm": vmID, "vcpu": vcpuID})
}

// VM returns a logger scoped to one VM.
func VM(vmID int) *logrus.Entry {
	return Log.WithField("vm", vmID)
}
