// Package varint implements the unsigned LEB128 integers carried inside
// binary voice payloads.
//
// Each byte holds 7 bits of the value, least significant group first. The
// high bit is set on every byte except the last. Writers never touch the
// destination when it is too small, and readers reject sequences that run
// past the maximum width of the target type instead of panicking.
package varint
