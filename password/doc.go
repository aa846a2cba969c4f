// Package password implements the credential store used by the engine:
// Argon2id hashing and verification, plus verification of legacy bcrypt
// hashes so imported accounts can sign in and be rehashed.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] returns true for bcrypt hashes and for Argon2id hashes
// produced with weaker parameters, so the caller can rehash on the next
// successful login.
//
// This package never stores passwords and never logs plaintext or hashes.
package password
