package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"quidle-live-service/internal/domain"
)

// GameStore is an in-memory implementation of app.GameStore, used for
// single-process deployments and tests. All invariants the interface
// demands (code lookup among live sessions only, duplicate-answer
// rejection, atomic score increments) are enforced under one mutex.
type GameStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	codes    map[string]string // game code -> session id, live sessions only
	players  map[string]map[string]domain.Player       // session id -> player id
	answers  map[string]map[string]domain.PlayerAnswer // session id -> question/player key
	watchers map[string]map[chan domain.Event]struct{}
}

func NewGameStore() *GameStore {
	return &GameStore{
		sessions: make(map[string]domain.Session),
		codes:    make(map[string]string),
		players:  make(map[string]map[string]domain.Player),
		answers:  make(map[string]map[string]domain.PlayerAnswer),
		watchers: make(map[string]map[chan domain.Event]struct{}),
	}
}

func (s *GameStore) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.codes[sess.GameCode] = sess.ID
	s.players[sess.ID] = make(map[string]domain.Player)
	s.answers[sess.ID] = make(map[string]domain.PlayerAnswer)
	return nil
}

func (s *GameStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *GameStore) GetSessionByCode(_ context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[strings.ToUpper(code)]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	sess, ok := s.sessions[id]
	if !ok || sess.Status == domain.StatusFinished {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *GameStore) UpdateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	if sess.Status == domain.StatusFinished {
		// Finished sessions release their code for reuse.
		delete(s.codes, sess.GameCode)
	}
	copied := sess
	s.broadcastLocked(sess.ID, domain.Event{
		Collection: domain.CollectionSessions,
		Type:       domain.EventUpdate,
		SessionID:  sess.ID,
		Session:    &copied,
	})
	s.mu.Unlock()
	return nil
}

func (s *GameStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.codes, sess.GameCode)
	delete(s.players, id)
	delete(s.answers, id)
	for ch := range s.watchers[id] {
		close(ch)
	}
	delete(s.watchers, id)
	return nil
}

func (s *GameStore) AddPlayer(_ context.Context, p domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.players[p.SessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	roster[p.ID] = p
	copied := p
	s.broadcastLocked(p.SessionID, domain.Event{
		Collection: domain.CollectionPlayers,
		Type:       domain.EventInsert,
		SessionID:  p.SessionID,
		Player:     &copied,
	})
	return nil
}

func (s *GameStore) GetPlayer(_ context.Context, sessionID, playerID string) (domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[sessionID][playerID]
	if !ok {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return p, nil
}

func (s *GameStore) RemovePlayer(_ context.Context, sessionID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[sessionID][playerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	delete(s.players[sessionID], playerID)
	s.broadcastLocked(sessionID, domain.Event{
		Collection: domain.CollectionPlayers,
		Type:       domain.EventDelete,
		SessionID:  sessionID,
		Player:     &p,
	})
	return nil
}

func (s *GameStore) ListPlayers(_ context.Context, sessionID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roster, ok := s.players[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Player, 0, len(roster))
	for _, p := range roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AddScore applies the award as a single locked increment, never
// read-then-write across calls, so concurrent submissions cannot lose
// updates.
func (s *GameStore) AddScore(_ context.Context, sessionID, playerID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[sessionID][playerID]
	if !ok {
		return 0, domain.ErrPlayerNotFound
	}
	p.TotalScore += delta
	s.players[sessionID][playerID] = p
	copied := p
	s.broadcastLocked(sessionID, domain.Event{
		Collection: domain.CollectionPlayers,
		Type:       domain.EventUpdate,
		SessionID:  sessionID,
		Player:     &copied,
	})
	return p.TotalScore, nil
}

func (s *GameStore) AppendAnswer(_ context.Context, a domain.PlayerAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.answers[a.SessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	key := answerKey(a.QuestionID, a.PlayerID)
	if _, exists := log[key]; exists {
		return domain.ErrAnswerExists
	}
	log[key] = a
	copied := a
	s.broadcastLocked(a.SessionID, domain.Event{
		Collection: domain.CollectionAnswers,
		Type:       domain.EventInsert,
		SessionID:  a.SessionID,
		Answer:     &copied,
	})
	return nil
}

func (s *GameStore) ListAnswers(_ context.Context, sessionID, questionID string) ([]domain.PlayerAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.answers[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.PlayerAnswer, 0)
	for _, a := range log {
		if a.QuestionID == questionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnsweredAt.Equal(out[j].AnsweredAt) {
			return out[i].AnsweredAt.Before(out[j].AnsweredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *GameStore) Watch(_ context.Context, sessionID string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, 32)
	s.mu.Lock()
	if s.watchers[sessionID] == nil {
		s.watchers[sessionID] = make(map[chan domain.Event]struct{})
	}
	s.watchers[sessionID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.watchers[sessionID][ch]; ok {
			delete(s.watchers[sessionID], ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *GameStore) broadcastLocked(sessionID string, ev domain.Event) {
	for ch := range s.watchers[sessionID] {
		select {
		case ch <- ev:
		default:
			// Dropping is acceptable: the poll channel is the correctness
			// backstop for every consumer.
		}
	}
}

func answerKey(questionID, playerID string) string {
	return questionID + "/" + playerID
}
