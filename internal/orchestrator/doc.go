// Package orchestrator owns the single job slot of a session. It admits and
// submits generation requests, consumes the status stream of the backend
// matching the request mode, folds progress into the UI state, and routes
// terminal outcomes through the result store and the outcome notifier.
package orchestrator
