// Package backend defines the common interface that all execution backends
// (in-process runner, subprocess) must implement, along with the registry
// that selects which backend manages a given work.
package backend
