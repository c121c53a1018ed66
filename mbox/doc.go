// Package mbox provides a single-file mail folder backend in the classic
// mbox format.
//
// A folder is one file; each message begins with a "From " separator line
// and ends before the next one. Body lines that would match the separator
// are stored in mboxrd quoting: one ">" is added on write to any line
// matching ">*From ", and exactly one is stripped on read. A blank line is
// written between a message body and the next separator and is treated as
// a format artifact, not body content, when reading.
//
// Register the format on a registry and open folders through it:
//
//	reg := mailfolder.NewRegistry()
//	mbox.Register(reg)
//	folder, err := reg.Open(ctx, mailfolder.Config{
//	    Kind: "mbox",
//	    Path: "/var/mail/user",
//	})
//
// Write-back defaults to full-replace: the folder is rewritten to a
// temporary file and renamed over the original, so an interrupted write
// leaves the original untouched. The in-place policy truncates and
// appends instead; it is faster for changes near the end of a large
// folder but can lose the tail on a crash, and must be opted into.
package mbox
