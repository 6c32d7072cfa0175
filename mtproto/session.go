package mtproto

// Session is the server side session state bound to one auth key.
type Session struct {
	ID             uint64
	Salt           uint64
	ContentRelated uint32
}

// NextSeqNo returns the seqno for the next message,
// content related messages take an odd number and advance the counter.
func (s *Session) NextSeqNo(contentRelated bool) uint32 {
	if !contentRelated {
		return s.ContentRelated * 2
	}

	seq := s.ContentRelated*2 + 1
	s.ContentRelated++
	return seq
}
