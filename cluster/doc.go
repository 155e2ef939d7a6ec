// Package cluster tracks the running courier instances.
//
// Every instance registers an [Instance] entry, heartbeats it, and
// competes for a short leadership lease. The leader reaps instances that
// stopped heartbeating and runs cluster-wide chores such as finished-job
// garbage collection. Leadership is advisory: job exclusivity never depends
// on it, only on job lease tokens.
//
// Backends live in store/memory, store/redis and store/postgres, and
// cluster/k8s maps the registry onto Pod annotations and a coordination
// Lease.
package cluster
