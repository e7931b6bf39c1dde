// Package crawler defines the domain model shared by the acquisition and
// distribution layer: network identities, fetch jobs and their lifecycle,
// outcomes and failure kinds, dead-letter entries, alerts, and the
// collaborator interfaces each subsystem depends on.
package crawler
