// Package memory implements the core store contracts in process memory. Every
// store is safe for concurrent use and applies the same conditional-update
// rules as the SQL stores, which makes it suitable for tests and single
// process deployments.
package memory
