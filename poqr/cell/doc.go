// Package cell implements the fixed-size cell codec.
//
// Every cell is CellLength bytes regardless of command or payload so a
// passive observer cannot tell circuit phases apart by size.
package cell
