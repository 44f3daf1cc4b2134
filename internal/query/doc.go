// Package query describes list parameters: filter predicates, sort and
// paging.
//
// Predicate is a sealed interface. The same predicate is evaluated locally
// (Match) by in-process gateways and bulk applicability checks, and encoded
// as JSON for the REST transport.
package query
