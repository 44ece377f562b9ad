// Package document defines the revisioned document shape shared by the
// conflict engine and every store adapter.
//
// A Document carries store metadata (id, revision, type discriminator,
// conflicting revisions, last-modified time) in struct fields and the domain
// payload in Fields. The JSON form is flat, with the metadata under reserved
// keys, so bodies written by CouchDB-style stores round-trip unchanged.
package document
