// Package validate cross-checks a finished run's summary text against its
// structured metadata.
//
// Validate is pure: it takes the two documents and returns every violation
// it finds, never stopping at the first. Dir loads the documents from a run
// directory and adds filesystem checks (lock state, archive and auxiliary
// log presence) on top.
package validate
