package optimizer

import (
	"errors"
	"fmt"
)

var (
	// ErrInitialization marks every failure returned by Initialize.
	ErrInitialization = errors.New("optimizer initialization failed")
	// ErrDisposed is returned by every call after Dispose.
	ErrDisposed = errors.New("optimizer disposed")
	// ErrNotInitialized is returned for frames submitted before Initialize.
	ErrNotInitialized = errors.New("optimizer not initialized")
	// ErrNoDetector is returned by ProcessImage when no detector was injected.
	ErrNoDetector = errors.New("no landmark detector configured")

	// Recovered per-frame errors. They are reported in Result.Recovered
	// and never returned from ProcessFrame or ProcessImage.
	ErrDetectionTimeout = errors.New("landmark detection timed out")
	ErrDetectionFailure = errors.New("landmark detection failed")
	ErrDetectorBusy     = errors.New("previous detection still in flight")
)

// InitializationError names the sub-resource that could not be prepared.
type InitializationError struct {
	Component string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitializationError) Unwrap() []error {
	return []error{ErrInitialization, e.Err}
}

func initError(component string, err error) error {
	return &InitializationError{Component: component, Err: err}
}
