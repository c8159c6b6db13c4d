package engine

import (
	"errors"
	"fmt"
)

// ErrContainerNotFound reports that a runtime handle no longer exists.
// Callers treat it as already-stopped, never as a failure.
var ErrContainerNotFound = errors.New("container not found")

// ErrUnknownEngineKind reports a configuration naming an engine variant
// that does not exist. Fatal, never retried.
var ErrUnknownEngineKind = errors.New("unknown container engine kind")

// ImagePullError reports that the worker image could not be pulled.
// Treated as a process failure so the restart policy applies, rather
// than a terminal configuration error.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("image %s pull failed: %v", e.Image, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// StartError wraps any failure to launch a runtime resource.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("container start failed: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// CleanupError wraps a failure to stop or remove a runtime resource.
type CleanupError struct {
	Handle string
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", e.Handle, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Kind names an engine variant in configuration.
type Kind string

const (
	KindProcess    Kind = "process"
	KindPodman     Kind = "podman"
	KindKubernetes Kind = "kubernetes"
)
