// Package mailfolder is a storage engine for mail folders.
//
// A folder is a collection of email messages persisted either as a single
// file holding every message (mbox) or as a directory with one file per
// message (MH, Maildir). Regardless of format, callers see the same
// lazily-materialized Message abstraction: opening a folder enumerates
// cheap message stubs, and header fields and bodies are read from disk
// only when first accessed.
//
// Format backends live in subpackages and are registered on an explicit
// Registry value constructed by the caller:
//
//	reg := mailfolder.NewRegistry()
//	mbox.Register(reg)
//	mh.Register(reg)
//
//	folder, err := reg.Open(ctx, mailfolder.Config{
//	    Path: "/var/mail/alice",
//	    Mode: mailfolder.ReadWrite,
//	})
//
// Messages realize on demand:
//
//	for _, m := range folder.Undeleted() {
//	    subject, err := m.Get(ctx, "Subject")
//	    ...
//	}
//
// Changes are written back with Folder.Sync. The default write policy
// replaces the backing store through a temporary file and a single atomic
// rename, so an interrupted write never corrupts the original. Messages
// that were not modified are copied byte-for-byte from the old file.
package mailfolder
