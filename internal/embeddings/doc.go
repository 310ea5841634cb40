// Package embeddings turns text into unit-normalized vectors.
//
// Two providers are available: a TEI (text-embeddings-inference) HTTP client
// for a networked embedding server, and a FastEmbed provider running local
// ONNX models (CGO builds only). Both return vectors normalized to unit
// length, so inner product equals cosine similarity downstream.
//
// The rest of the system treats embedding as a black box behind the Embedder
// interface; the embedding dimension is fixed by the provider for the
// lifetime of the process.
package embeddings
