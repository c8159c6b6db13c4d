package core

import "time"

// ParentPatch is an explicit field list for a parent update. Only
// non-nil fields are written; a writer physically cannot clobber fields
// it did not set. Status writes also bump StatusUpdatedAt.
type ParentPatch struct {
	Status           *ProcessStatus
	StatusMessage    *string
	Enabled          *bool
	RestartCount     *int
	FailureCount     *int
	LatestInstanceID *int64
}

// IsZero reports whether the patch writes nothing.
func (p ParentPatch) IsZero() bool {
	return p.Status == nil && p.StatusMessage == nil && p.Enabled == nil &&
		p.RestartCount == nil && p.FailureCount == nil &&
		p.LatestInstanceID == nil
}

// InstancePatch is the explicit field list for an instance update.
// RuntimeHandle distinguishes "leave alone" (nil) from "clear" (pointer
// to empty string).
type InstancePatch struct {
	Status        *ProcessStatus
	StatusMessage *string
	RuntimeHandle *string
	EndedAt       *time.Time
	UpdatedAt     *time.Time
}

// IsZero reports whether the patch writes nothing.
func (p InstancePatch) IsZero() bool {
	return p.Status == nil && p.StatusMessage == nil &&
		p.RuntimeHandle == nil && p.EndedAt == nil && p.UpdatedAt == nil
}

// Ptr returns a pointer to v. Convenience for building patches.
func Ptr[T any](v T) *T { return &v }
