// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("altair-sync - Offline-First Synchronization Engine")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("altair-sync keeps JSON records in sync across a user's devices with")
	fmt.Println("per-record versioning, idempotent uploads, and tiered conflict resolution.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  altsync/    - Postgres-backed sync server: upload apply, windowed pull,")
	fmt.Println("                snapshot hydration, WebSocket change notifications, JWT auth")
	fmt.Println("  altsqlite/  - SQLite client: local mutations with an append-only pending")
	fmt.Println("                queue, background sync coordinator, conflict journal")
	fmt.Println("  merge/      - Three-tier conflict classification: automatic field merge,")
	fmt.Println("                last-writer-wins, deferred user resolution")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  HTTP Server (examples/nethttp_server/)")
	fmt.Println("  A complete sync server wired over net/http")
	fmt.Println("  Run: cd examples/nethttp_server && go run .")
	fmt.Println()
}
