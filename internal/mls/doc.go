// Package mls coordinates a voice session's end-to-end encryption group.
//
// The group key exchange itself is done by an external Provider that the
// coordinator treats as opaque: key packages, proposals, commits and
// welcomes are byte strings passed through to it. The coordinator owns
// everything around that engine: the epoch counter, the roster of member
// keys, the transitions announced by the voice server, and the frame
// keyrings media is encrypted with.
//
// All group state is mutated on a single goroutine. Callers submit work
// through the Coordinator's methods and media paths read immutable State
// snapshots, so a frame being decrypted under one epoch is never affected
// by a commit being applied for the next.
package mls
