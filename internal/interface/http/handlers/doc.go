// Package handlers contains the reusable pieces of the reference remote's
// HTTP surface.
//
// # Authentication
//
// TokenAuth accepts a single bearer token whose bcrypt hash is configured
// as server.token_hash. Generate the hash with:
//
//	finedu-remote hash-token <token>
//
// RequireUser then takes the acting user from the X-User-Id header.
//
// # Health Checks
//
// CompositeHealthChecker runs named checks in parallel, each bounded by
// its own timeout:
//
//	checker := handlers.NewCompositeHealthChecker("v1")
//	checker.AddCheck("database", handlers.NewDatabaseCheck(conn))
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//	    log.Warn("unhealthy", logger.String("reason", status.Message))
//	}
package handlers
