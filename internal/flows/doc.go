// Package flows contains the orchestration behind every Engine operation.
//
// Each flow function (RunLogin, RunCreateSession, RunGenerateAPIKey, etc.)
// accepts a typed dependency struct and returns results without side-effects
// beyond those dependencies. The Engine builds the dependency structs from its
// stores and delegates to the matching flow, which keeps the Engine thin and
// lets every branch be exercised with plain function fakes.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the account store, credential hasher,
// session store, token signer, limiters, audit dispatcher and metrics. They do
// NOT own any of these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authcore (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency funcs.
//
// Recovery code and API key formats live here as well, since both the flows
// and the store tests need the same canonical form and digest.
package flows
