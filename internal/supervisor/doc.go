// Package supervisor runs one proxy.Handler per definition.
//
// Start binds every listener or none. Each instance then runs its accept
// loop in its own goroutine; when the loop fails the instance is rebound
// with exponential backoff, and after MaxRestarts consecutive failures it
// is marked degraded while the other instances keep serving. Stop cancels
// every accept loop, drains sessions for DrainTimeout and aborts the rest.
package supervisor
