// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a malformed event, notification or request.
var ErrValidation = errors.New("validation failed")

// ErrAuthentication indicates a missing or rejected handshake credential.
var ErrAuthentication = errors.New("authentication failed")

// ErrBridgeUnavailable indicates the shared pub/sub backend could not be reached.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// ErrTriggerInstall indicates storage triggers could not be installed.
// Change detection is degraded but the rest of the engine keeps running.
var ErrTriggerInstall = errors.New("trigger install failed")

// ErrQueueFull indicates the ingestion queue has no free capacity.
var ErrQueueFull = errors.New("ingestion queue full")

// ErrNotRunning indicates the engine has not been started or was stopped.
var ErrNotRunning = errors.New("engine not running")
