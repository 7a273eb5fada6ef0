package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Fprintln(stdout, `guestpool - pooled anonymous guest workspaces

Hands anonymous visitors a pre-provisioned guest identity and workspace from a
fixed pool, and lets them keep that workspace when they sign up.

Usage:
  guestpool [server]                    Start the HTTP host (default command)
  guestpool init                        Create or repair the guest pool and exit
  guestpool sweep                       Retire expired guest leases and exit
  guestpool status                      Print pool counts and active leases
  guestpool history <slot>              Print every lease and restock of one slot
  guestpool migrate                     Apply schema migrations and list them
                                        --migrate-to=001_identities.sql stops early
  guestpool version                     Print version
  guestpool help                        Show this help

Every command accepts the server flags (--db, --pool-size, ...); run
"guestpool server -h" for the full list.

Environment Variables:
  GUESTPOOL_DB_PATH           SQLite database path (default: ./guestpool.db)
  GUESTPOOL_POOL_SIZE         Number of pooled guest slots (default: 4)
  GUESTPOOL_LEASE_DURATION    Guest lease lifetime (default: 1h)
  GUESTPOOL_TEMPLATE_DIR      Directory copied into every fresh workspace
  GUESTPOOL_WORKSPACES_DIR    Workspace root (default: ./workspaces)
  GUESTPOOL_LISTEN            HTTP listen address (default: :8080)
  GUESTPOOL_LOG_LEVEL         Log level: debug|info|warn|error (default: info)
  GUESTPOOL_MIRROR_URL        Auxiliary identity service base URL (optional)
  GUESTPOOL_MIRROR_TOKEN      Bearer token for the identity service
  GUESTPOOL_PPROF_LISTEN      Debug listener address (optional)

Values in ./.env are loaded for GUESTPOOL_* keys not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// GoReleaser's {{.Version}} strips the prefix while git-describe keeps it.
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Fprintln(stdout, "guestpool", Version)
}
