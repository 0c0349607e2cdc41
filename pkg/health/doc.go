// Package health implements the health prober (C8): liveness and readiness
// scripts executed inside an agent's container on independent schedules,
// each tracked to a failure/success threshold, isolated on its own
// goroutine so a probe panic or hang never reaches the router's event loop
// or the supervisor.
package health
