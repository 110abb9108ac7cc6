// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package must panics on errors. It is used by tests and by the command-line tool, where an
// error uploading or downloading a buffer means there is nothing left to do.
package must

import (
	"k8s.io/klog/v2"
)

// M logs and panics if err is not nil.
//
// M1 and M2 call it: reassign it to change the failure behavior of all of them.
var M = func(err error) {
	if err != nil {
		klog.Errorf("Must not error: %+v", err)
		panic(err)
	}
}

// M1 panics with M if err is not nil, and otherwise returns value.
func M1[T any](value T, err error) T {
	M(err)
	return value
}

// M2 is M1 for functions returning two values.
func M2[T1, T2 any](value1 T1, value2 T2, err error) (T1, T2) {
	M(err)
	return value1, value2
}
