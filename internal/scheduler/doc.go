// Package scheduler runs repeating callables inside one process.
//
// Entries are keyed by an opaque handle chosen by the caller. Each entry fires
// on a fixed grid anchored at its first fire time; a tick that is dispatched
// later than the entry's tolerance is dropped, and a tick is skipped while the
// previous one is still running. Paused entries stay registered but do not fire.
package scheduler
