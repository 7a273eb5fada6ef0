// Package pool hands out pre-provisioned guest identities to anonymous
// sessions.
//
// A host selects a [Strategy] once at startup with [Select]. The [Slotted]
// strategy leases one of N fixed slots under a time-boxed token, with the
// SQLite slot registry as the only coordination point, so several host
// processes can share one pool. The [Degraded] strategy is used only while
// the registry schema is missing: it gives each session its own guest, with
// no cap and no expiry.
//
// Around the allocator sit the maintenance pieces a host schedules:
// [Sweeper] retires expired leases and [Initializer] creates and restocks
// the guest identities and their workspaces.
package pool
