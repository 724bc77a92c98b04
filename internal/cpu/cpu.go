// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cpu implements processor feature detection for the
// hypervisor core.
package cpu

// ARM64 contains ARM64-specific CPU feature flags.
// The hypervisor core does not perform runtime CPU detection; it
// assumes the LDAXR/STLXR exclusive-access fallback path, which is
// compatible with all ARMv8.0+ processors.
var ARM64 struct {
	_ CacheLinePad
	HasATOMICS bool // ARMv8.1 LSE atomics (SWPAL, CASAL, etc.)
	_ CacheLinePad
}

// CacheLinePad is used to pad structs to avoid false sharing.
type CacheLinePad struct{ _ [64]byte }

func init() {
	// LDAXR/STLXR fallback, compatible with all ARM64 cores.
	// Set true only when targeting a confirmed ARMv8.1+ platform.
	ARM64.HasATOMICS = false
}
