// Package sharing implements the content-addressable reference sharing
// engine: hashing reference content into an identity key, grouping
// byte-identical references under a shared group, and keeping the group,
// reference and master-ingredient documents consistent through atomic
// store batches.
package sharing

import "errors"

var (
	// ErrNotFound reports an absent shared group or reference document.
	ErrNotFound = errors.New("shared group or reference not found")
	// ErrNoActingUser reports a mutation attempted without an identity to
	// stamp into the audit fields.
	ErrNoActingUser = errors.New("no acting user")
	// ErrContentUnhashable reports a seed reference with no content.
	ErrContentUnhashable = errors.New("reference has no content to hash")
	// ErrContentMismatch reports a candidate whose current hash disagrees
	// with the group's hash.
	ErrContentMismatch = errors.New("content no longer matches the shared group")
	// ErrGroupExists reports an attempt to create a group whose id is taken
	// by a group with a different member set.
	ErrGroupExists = errors.New("a shared group already exists for this content")
	// ErrNoReferences reports a create call with an empty reference list.
	ErrNoReferences = errors.New("no references to link")
)
