package device

// Observer receives session lifecycle signals. Callbacks are never invoked
// while a registry or session lock is held.
type Observer interface {
	Discover(s *Session)
	Update(s *Session)
	Timeout(s *Session)
	Error(err error)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnDiscover func(s *Session)
	OnUpdate   func(s *Session)
	OnTimeout  func(s *Session)
	OnError    func(err error)
}

func (o ObserverFuncs) Discover(s *Session) {
	if o.OnDiscover != nil {
		o.OnDiscover(s)
	}
}

func (o ObserverFuncs) Update(s *Session) {
	if o.OnUpdate != nil {
		o.OnUpdate(s)
	}
}

func (o ObserverFuncs) Timeout(s *Session) {
	if o.OnTimeout != nil {
		o.OnTimeout(s)
	}
}

func (o ObserverFuncs) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}
