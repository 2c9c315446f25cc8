package annotation

// UndoEntry is one reversible edit. The two implementations are AddEntry
// and ClearAllEntry.
type UndoEntry interface {
	Key() string
	undo(s *Store)
}

// AddEntry reverts an Add by dropping the image's last record.
type AddEntry struct {
	ImageKey string
}

func (e AddEntry) Key() string { return e.ImageKey }

func (e AddEntry) undo(s *Store) {
	list := s.images[e.ImageKey]
	if len(list) == 0 {
		return
	}
	s.setList(e.ImageKey, list[:len(list)-1])
}

// ClearAllEntry reverts a ClearAll by restoring the list it emptied.
type ClearAllEntry struct {
	ImageKey string
	Snapshot []Record
}

func (e ClearAllEntry) Key() string { return e.ImageKey }

func (e ClearAllEntry) undo(s *Store) {
	s.setList(e.ImageKey, append([]Record(nil), e.Snapshot...))
}
