// Package verify computes the values two participants compare out of band
// to confirm they share the same encryption context.
//
// A key fingerprint binds a user's public key to their user id. A pairwise
// fingerprint combines two key fingerprints independently of argument order
// and stretches them with scrypt. Displayable codes render either, or the
// group's epoch authenticator, as groups of decimal digits.
package verify
