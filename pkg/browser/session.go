package browser

// Session is the single live browser context owned by a SessionManager.
// Its fields are guarded by the manager's mutex.
type Session struct {
	Context BrowserContext

	primary Page
	adopted bool // the context's initial pages were considered
	leased  bool // primary is held by a task
	closed  bool
}

func newSession(bctx BrowserContext) *Session {
	return &Session{Context: bctx}
}

// page returns the page for a new task and whether it is the primary page.
// With reuse, the page the context opened with is handed out when no other
// task holds it, and replaced when it was closed underneath us. Anyone else
// gets a fresh page of their own.
func (s *Session) page(reuse bool) (Page, bool, error) {
	if !reuse || s.leased {
		p, err := s.Context.NewPage()
		return p, false, err
	}

	if s.primary != nil && s.primary.IsClosed() {
		s.primary = nil
	}
	if s.primary == nil && !s.adopted {
		// Later pages may belong to other tasks, so only the startup
		// pages are candidates.
		s.adopted = true
		for _, p := range s.Context.Pages() {
			if !p.IsClosed() {
				s.primary = p
				break
			}
		}
	}
	if s.primary == nil {
		p, err := s.Context.NewPage()
		if err != nil {
			return nil, false, err
		}
		s.primary = p
	}

	s.leased = true
	return s.primary, true, nil
}

// unlease frees the primary page for the next task.
func (s *Session) unlease() {
	s.leased = false
}

func (s *Session) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.primary = nil
	s.leased = false
	return s.Context.Close()
}
