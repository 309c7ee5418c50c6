// Package types defines the shared data model of prismfs: object metadata,
// attribute snapshots, directory entries, and the capability interfaces that
// connect the translation core to its storage backend.
package types
