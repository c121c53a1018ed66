// Package maildir provides a directory-per-folder mail backend in the
// Maildir format, built on github.com/emersion/go-maildir.
//
// Each message is one file under the folder's cur or new subdirectory;
// tmp holds files still being written. Maildir flags map onto labels:
//
//	S (seen)    <-> "seen"
//	R (replied) <-> "replied"
//	F (flagged) <-> "flagged"
//	D (draft)   <-> "draft"
//	T (trashed) <-> "trashed"
//	P (passed)  <-> "passed"
//
// Messages found in new at open time additionally carry the transient
// "recent" label, which is not written back.
//
// Register the format on a registry and open folders through it:
//
//	reg := mailfolder.NewRegistry()
//	maildir.Register(reg)
//	folder, err := reg.Open(ctx, mailfolder.Config{
//	    Kind: "maildir",
//	    Path: "/home/user/Maildir",
//	})
//
// Write-back is the degenerate per-file form: a modified message is
// delivered as a fresh file before the old one is removed, and a pure
// label change renames the file to carry the new flag set.
package maildir
