// Package vm implements the ilvm execution engine.
//
// This package contains:
//   - Machine state: a register file and a word-addressed heap of int32
//   - A first-fit free-list allocator with eager coalescing (FreeList)
//   - The block dispatch table consulted by goto (Table)
//   - The interpreter loop and its fault taxonomy (Interpreter, Error)
//
// Heap address 0 is the null pointer. It is never allocated, so a fresh
// heap of N words offers the single free extent [1, N).
//
// A run owns its Machine exclusively. Tables are immutable and may be
// shared across concurrent runs.
package vm
