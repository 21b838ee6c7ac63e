// Package directory defines signed relay descriptors and the Resolver
// hosts use to find relays. The memory subpackage is an in-process
// store; httpdir serves and fetches descriptors over HTTP.
package directory
