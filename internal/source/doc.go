// Package source defines the capability interface shared by the backends that
// report generation progress (a remote job queue and an on-device engine),
// along with a registry that resolves the source for a backend mode.
package source
