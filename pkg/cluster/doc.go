// Package cluster tracks the nodes sharing one ledger. Each node registers a
// Membership whose data describes how to reach it, and any node can list or
// watch the current members.
//
// The memory implementation serves a single process, while the etcd
// implementation backs replicas that coordinate through etcd.
package cluster
