package models

import (
	"strings"
)

const (
	// AnnotationAgent marks an action slot that currently holds a forwarding
	// agent instead of the real implementation.
	AnnotationAgent = "fndebug"

	// AnnotationVariant names the forwarding protocol of an installed agent.
	AnnotationVariant = "fndebug.variant"
	// AnnotationHelper marks the echo actions of the log-record agent.
	AnnotationHelper = "fndebug.helper"

	// AnnotationExec is set by the platform to the action kind.
	AnnotationExec = "exec"

	BackupSuffix    = "_debug_original"
	InvokedSuffix   = "_debug_invoked"
	CompletedSuffix = "_debug_completed"

	// KindBlackbox is the kind of actions running a custom image.
	KindBlackbox = "blackbox"
	// KindSequence actions have no code of their own.
	KindSequence = "sequence"
)

// BackupName is where the real implementation of name is kept while an
// agent occupies the slot.
func BackupName(name string) string { return name + BackupSuffix }

// InvokedHelperName is the echo action used by the log-record agent to
// publish activations.
func InvokedHelperName(name string) string { return name + InvokedSuffix }

// CompletedHelperName is the echo action the local client writes results to
// in the log-record variant.
func CompletedHelperName(name string) string { return name + CompletedSuffix }

// Agent variants, by forwarding protocol.
const (
	VariantConcurrent = "concurrent"
	VariantTunnel     = "tunnel"
	VariantLogRecord  = "logrecord"
)

type Exec struct {
	Kind   string `json:"kind"`
	Code   string `json:"code,omitempty"`
	Main   string `json:"main,omitempty"`
	Binary bool   `json:"binary,omitempty"`
	Image  string `json:"image,omitempty"`
}

type Limits struct {
	// Timeout in milliseconds
	Timeout int `json:"timeout,omitempty"`
	// Memory in MB
	Memory int `json:"memory,omitempty"`
	// Logs in MB
	Logs        int `json:"logs,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

// Action is the platform's description of a deployed function.
type Action struct {
	Namespace   string    `json:"namespace,omitempty"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Publish     bool      `json:"publish"`
	Exec        Exec      `json:"exec"`
	Limits      Limits    `json:"limits,omitempty"`
	Annotations KeyValues `json:"annotations,omitempty"`
	Parameters  KeyValues `json:"parameters,omitempty"`
}

// IsAgent reports whether the action carries the agent marker annotation.
func (a *Action) IsAgent() bool {
	return a != nil && a.Annotations.GetBool(AnnotationAgent)
}

// Kind returns the exec kind, falling back to the exec annotation when the
// action was fetched without code.
func (a *Action) Kind() string {
	if a.Exec.Kind != "" {
		return a.Exec.Kind
	}
	return a.Annotations.GetString(AnnotationExec)
}

// Timeout returns the action's timeout in ms, or 60s if unset.
func (a *Action) Timeout() int {
	if a.Limits.Timeout <= 0 {
		return 60000
	}
	return a.Limits.Timeout
}

// Clone returns a deep copy, so callers can keep an original around while
// rewriting the slot.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Annotations = a.Annotations.clone()
	c.Parameters = a.Parameters.clone()
	return &c
}

// ForPut returns the payload accepted by an overwrite: identity fields the
// platform owns are cleared.
func (a *Action) ForPut() *Action {
	c := a.Clone()
	c.Namespace = ""
	c.Version = ""
	return c
}

// Validate checks the fields needed to address the slot.
func (a *Action) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrMissingActionName
	}
	return nil
}

// String is the qualified name, e.g. guest/myaction
func (a *Action) String() string {
	if a.Namespace == "" {
		return a.Name
	}
	return a.Namespace + "/" + a.Name
}

