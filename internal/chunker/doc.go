// Package chunker segments raw text into overlapping, token-bounded chunks.
//
// Chunking is sentence-aware: text is split into sentences, sentences are
// packed into chunks up to a token budget, and consecutive chunks share a
// configurable token overlap so that context is not lost at chunk boundaries.
//
// The chunker is a pure function of its input and configuration. Identical
// text and settings always produce the identical chunk sequence, which the
// retrieval tests rely on.
package chunker
