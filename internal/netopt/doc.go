// Package netopt is the network layer of the discovery service: a request
// optimizer that deduplicates concurrent identical requests, caches GET
// responses with ETag / Last-Modified revalidation, coalesces requests into
// batch windows, retries transient failures with exponential backoff and
// cancels everything in flight on demand. An optional token bucket caps the
// outbound request rate.
//
// Cache keys are namespaced by convention: "discovery:" for .well-known scans,
// "thing:" for direct Thing Description fetches and "api:<METHOD>:<endpoint>"
// for generic API calls, so ClearCache can invalidate one namespace at a time.
package netopt
