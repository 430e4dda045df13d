package runtime

import (
	"io"
	"sync"
)

// SliceStream 以预先构造好的事件列表实现 Stream，常用于测试和回放。
type SliceStream struct {
	mu     sync.Mutex
	events []Event
	pos    int
	closed bool
}

// NewSliceStream 创建一个按顺序返回 events 的 Stream。
func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{events: events}
}

// Recv 实现 Stream。
func (s *SliceStream) Recv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Close 实现 Stream。
func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
