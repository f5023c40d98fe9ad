// Package cache records which build steps have already been executed.
//
// Every step of a stage gets a chain key: the digest of its parent key and
// a fingerprint of the step itself. Host copies fingerprint the bytes they
// copy, so a change to one input invalidates that step and everything after
// it, while earlier steps stay cached. The [Index] maps keys to the image
// tags the engine committed after running each step. It lives in a cache
// directory that the caller passes in explicitly.
package cache
