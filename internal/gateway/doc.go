// Package gateway is the CRUD transport contract for one entity endpoint.
//
// A Gateway performs exactly one request per call: no retries and no
// caching. Failures are classified into NetworkError, TimeoutError and
// HTTPError so callers can route transient failures to the offline queue and
// version conflicts to conflict review.
//
// Two implementations ship here: HTTPGateway speaks REST/JSON, and Memory is
// an in-process server with versioned records used by tests, the scenario
// harness and the development server (NewServer).
package gateway
