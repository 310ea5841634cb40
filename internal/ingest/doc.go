// Package ingest orchestrates document uploads into a session.
//
// The pipeline is validate, gate on quota, then per file: extract text,
// chunk, embed-and-store as one batch, and earn one quota increment.
// Validation problems reject the whole upload before any work. After that,
// failures are isolated per file: one file's extraction or embedding failure
// is logged and skipped while the remaining files continue, and the report
// states exactly how many files and chunks made it in.
//
// Rich document extraction (PDF, DOCX, OCR) is an external collaborator
// behind the Extractor interface; the built-in extractor handles plain-text
// formats only.
package ingest
