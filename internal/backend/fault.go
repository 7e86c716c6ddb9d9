package backend

import "errors"

// ErrInjectedFault is returned by FaultInjector.SyncData when fault
// injection is armed.
var ErrInjectedFault = errors.New("backend: injected fault")

// FaultInjector wraps a Backend and can be told to fail every subsequent
// SyncData call, to exercise the PreviousIo poisoning path (spec.md §7).
// Grounded in original_source/tests/integration_tests.rs's FailingBackend.
type FaultInjector struct {
	Backend
	failSync bool
}

// NewFaultInjector wraps an existing backend with fault-injection control.
func NewFaultInjector(inner Backend) *FaultInjector {
	return &FaultInjector{Backend: inner}
}

// FailSyncData arms (or disarms) SyncData failures.
func (f *FaultInjector) FailSyncData(fail bool) {
	f.failSync = fail
}

func (f *FaultInjector) SyncData() error {
	if f.failSync {
		return ErrInjectedFault
	}
	return f.Backend.SyncData()
}
