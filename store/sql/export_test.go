package sqlstore

// SetAfterDuplicateLookup runs fn between Create's duplicate lookup and its
// insert, so tests can line concurrent inserts up on the unique index.
func (s *InboundEventStore) SetAfterDuplicateLookup(fn func()) {
	s.afterLookup = fn
}

func (s *OutboundJobStore) SetAfterDuplicateLookup(fn func()) {
	s.afterLookup = fn
}
