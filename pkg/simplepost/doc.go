// Package simplepost provides the post lifecycle core: it creates, edits and
// deletes posts that each own exactly one thumbnail blob, keeping the post
// record, the blob and the creator's post counter in agreement.
//
// The metadata store and the blob store share no transaction, so every
// mutating operation runs as an ordered sequence of steps where each step
// has a compensating action:
//
//	create: put blob -> insert post -> adjust counter (+1)
//	edit:   put new blob -> swap pointer (CAS) -> delete old blob
//	delete: delete blob -> delete post -> adjust counter (-1)
//
// A failed step that leaves garbage behind (an orphaned blob, a post whose
// blob is already gone, a stale counter) never fails a request whose primary
// effect succeeded. It is reported as a ConsistencyWarning, logged, and
// written to the repository's inconsistency journal so the admin package can
// repair it later.
//
// Repository implementations (memory, Postgres, SQLite) and blob stores
// (memory, filesystem, S3) live in subpackages.
package simplepost
