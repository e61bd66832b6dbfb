// Package replset resolves the role of a node inside a statically configured
// replica set.
//
// The primary is the member with the highest priority, ties are broken by the
// lexicographically smallest host. There is no election and no liveness
// probing: every member has to be configured with the same member list and then
// independently computes the same primary.
//
// A node without configuration is a standalone and acts as primary. A node that
// is missing from an installed configuration stays SECONDARY without a primary
// and reports a *ConfigurationError.
package replset
