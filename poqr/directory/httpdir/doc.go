// Package httpdir serves a relay directory over HTTP with JSON bodies and
// provides the matching client.
package httpdir
