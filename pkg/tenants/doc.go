// Package tenants reads tenant subscriptions and maintains perm_version, the
// counter clients poll to learn that their permissions changed.
package tenants
