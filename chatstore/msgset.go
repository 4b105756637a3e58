package chatstore

import (
	"sort"
	"sync"
)

// MsgSet holds the messages of one room ordered by id, at most one message per id.
// Arrival order is irrelevant: every insert is placed by id.
type MsgSet struct {
	sync.RWMutex
	ids  []int64 // ascending
	msgs map[int64]*Msg
}

func NewMsgSet() *MsgSet {
	return &MsgSet{
		msgs: make(map[int64]*Msg),
	}
}

// Put inserts messages whose id is not held yet, returns the inserted ones.
// Messages with an id already held are dropped.
func (s *MsgSet) Put(msgs ...*Msg) []*Msg {
	s.Lock()
	defer s.Unlock()

	var added []*Msg
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, ok := s.msgs[m.ID]; ok {
			continue
		}
		s.msgs[m.ID] = m
		s.insertID(m.ID)
		added = append(added, m)
	}
	return added
}

func (s *MsgSet) insertID(id int64) {
	n := len(s.ids)
	// fast paths: live stream appends at the newer end, history at the older end.
	if n == 0 || s.ids[n-1] < id {
		s.ids = append(s.ids, id)
		return
	}
	if s.ids[0] > id {
		s.ids = append([]int64{id}, s.ids...)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.ids[i] >= id })
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

func (s *MsgSet) Get(id int64) *Msg {
	s.RLock()
	defer s.RUnlock()
	return s.msgs[id]
}

func (s *MsgSet) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.ids)
}

// MinID returns the smallest id held, 0 when empty.
func (s *MsgSet) MinID() int64 {
	s.RLock()
	defer s.RUnlock()
	if len(s.ids) == 0 {
		return 0
	}
	return s.ids[0]
}

// MaxID returns the largest id held, 0 when empty.
func (s *MsgSet) MaxID() int64 {
	s.RLock()
	defer s.RUnlock()
	if len(s.ids) == 0 {
		return 0
	}
	return s.ids[len(s.ids)-1]
}

// Range calls fn for every message with from < id <= to, in ascending order.
// fn may mutate the message; it must not call back into the set.
func (s *MsgSet) Range(from, to int64, fn func(m *Msg)) {
	s.Lock()
	defer s.Unlock()
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > from })
	for ; i < len(s.ids) && s.ids[i] <= to; i++ {
		fn(s.msgs[s.ids[i]])
	}
}

// Last returns the message with the highest id that satisfies fn, or nil.
func (s *MsgSet) Last(fn func(m *Msg) bool) *Msg {
	s.RLock()
	defer s.RUnlock()
	for i := len(s.ids) - 1; i >= 0; i-- {
		if m := s.msgs[s.ids[i]]; fn(m) {
			return m
		}
	}
	return nil
}

// Snapshot returns copies of all messages in ascending id order.
func (s *MsgSet) Snapshot() []*Msg {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Msg, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.msgs[id].clone())
	}
	return out
}

// IDs returns the ids held in ascending order.
func (s *MsgSet) IDs() []int64 {
	s.RLock()
	defer s.RUnlock()
	return append([]int64(nil), s.ids...)
}

func (s *MsgSet) Reset() {
	s.Lock()
	s.ids = nil
	s.msgs = make(map[int64]*Msg)
	s.Unlock()
}
