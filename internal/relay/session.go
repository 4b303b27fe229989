package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// session is one live transport. A Conn gets a new session on every
// successful dial; frames queued on a dead session are discarded.
type session struct {
	ws   *websocket.Conn
	done chan struct{}
	wake chan struct{}

	qmu   sync.Mutex
	queue [][]byte

	closeOnce sync.Once

	// Auth state, guarded by the owning Conn's mu
	authing   bool
	authed    bool
	authID    string
	authTimer *time.Timer
	held      [][]byte
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		ws:   ws,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (s *session) enqueue(frame []byte) {
	s.qmu.Lock()
	s.queue = append(s.queue, frame)
	s.qmu.Unlock()
	s.signal()
}

// enqueueFront puts frame ahead of everything already queued
func (s *session) enqueueFront(frame []byte) {
	s.qmu.Lock()
	s.queue = append([][]byte{frame}, s.queue...)
	s.qmu.Unlock()
	s.signal()
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) next() ([]byte, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	frame := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return frame, true
}

// writeLoop is the only writer on the websocket
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			frame, ok := s.next()
			if !ok {
				break
			}
			s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				// readLoop observes the closed socket and reports the loss
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
