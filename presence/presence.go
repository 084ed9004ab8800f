package presence

import "time"

// Cursor is a caret position in a document.
type Cursor struct {
	Line   int
	Column int
}

// Selection is a highlighted range. Start and end may be equal.
type Selection struct {
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
}

// State is what one participant exposes to the others. It is ephemeral:
// never persisted, never merged, latest update wins.
type State struct {
	ConnID      string
	UserID      string
	DisplayName string
	Color       string
	Cursor      *Cursor
	Selection   *Selection
	LastSeen    time.Time
}

func (s State) clone() State {
	out := s
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.Selection != nil {
		sel := *s.Selection
		out.Selection = &sel
	}
	return out
}
