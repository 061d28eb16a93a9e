package models

import "time"

// Bookmark is a saved directory shortcut for the operator UI.
type Bookmark struct {
	ID        string
	Label     string
	Path      string // logical path relative to the sandbox root
	CreatedAt time.Time
}
