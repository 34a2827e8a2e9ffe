package patch

// Write replaces a file's entire content, creating it if needed.
type Write struct {
	Path    string
	Content string
}

func (w *Write) Kind() Kind              { return KindWrite }
func (w *Write) ChangedFiles() []string  { return []string{CleanPath(w.Path)} }
func (w *Write) Description() string     { return "Write to " + CleanPath(w.Path) }
func (w *Write) mayCreate(p string) bool { return p == CleanPath(w.Path) }

func (w *Write) ApplyToCache(scratch map[string]string) error {
	scratch[CleanPath(w.Path)] = w.Content
	return nil
}
