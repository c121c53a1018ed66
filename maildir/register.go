package maildir

import (
	"github.com/infodancer/mailfolder"
)

// Kind is the format name this package registers under.
const Kind = "maildir"

// Register adds the Maildir format to a registry.
func Register(r *mailfolder.Registry) {
	r.Register(Kind, mailfolder.BackendFactory{
		Detect: Detect,
		New:    New,
	})
}
