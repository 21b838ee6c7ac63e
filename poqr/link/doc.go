// Package link carries cells between neighboring nodes.
//
// A link is a single ordered byte stream. After a short handshake, in
// which the listening relay proves its identity by signing the dialer's
// challenge, the stream carries nothing but CellLength-byte cells. Each
// link has one reader goroutine and one writer goroutine fed by a bounded
// queue, so a slow neighbor never stalls the reader of another link.
package link
