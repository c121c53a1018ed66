// Package mh provides a directory-per-folder mail backend in the MH
// format: each message is its own file named by a decimal number, in a
// folder directory alongside two bookkeeping files.
//
// The .mh_sequences file stores named message sets, one per line, as
// numbers and inclusive ranges:
//
//	unseen: 2 4-7
//	cur: 3
//
// The cur sequence maps to the "current" label and unseen maps to the
// "seen" label inverted: a message absent from unseen carries "seen".
// Other sequences become labels of the same name. An empty sequence set
// removes the file.
//
// The .index file caches complete headers so reopening a large folder
// does not reread every message file. Each entry records the message's
// file name and size plus a digest of the entry itself; an entry whose
// recorded size disagrees with the live file, or whose digest does not
// match, is discarded silently and the header reread from the message.
//
// Register the format on a registry and open folders through it:
//
//	reg := mailfolder.NewRegistry()
//	mh.Register(reg)
//	folder, err := reg.Open(ctx, mailfolder.Config{
//	    Kind: "mh",
//	    Path: "/home/user/Mail/inbox",
//	})
//
// Write-back is per file: a modified message is written to a uniquely
// named temporary file in the folder directory and renamed over its
// numeric name, so each message file is replaced atomically or not at
// all. Deleted messages have their files removed; surviving numeric
// names keep their gaps.
package mh
