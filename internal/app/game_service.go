package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/game"
)

const codeRetries = 5

// GameService implements the authoritative session operations over the
// store. Host-only transitions verify the caller against Session.HostID;
// everything a client derives locally (phase, time left) is recomputed here
// before any state-dependent write is accepted.
type GameService struct {
	store   GameStore
	quizzes QuizRepository
	now     func() time.Time
}

func NewGameService(store GameStore, quizzes QuizRepository) *GameService {
	return &GameService{store: store, quizzes: quizzes, now: time.Now}
}

// NewGameServiceWithClock is test-only for deterministic timestamps.
func NewGameServiceWithClock(store GameStore, quizzes QuizRepository, now func() time.Time) *GameService {
	return &GameService{store: store, quizzes: quizzes, now: now}
}

// CreateSession opens a lobby for the given quiz. The game code is retried
// until it does not collide with another non-finished session.
func (s *GameService) CreateSession(ctx context.Context, quizID, hostID string) (domain.Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.Session{}, fmt.Errorf("quiz %s has no questions: %w", quizID, domain.ErrQuestionNotFound)
	}

	var code string
	for i := 0; i < codeRetries; i++ {
		candidate := game.NewGameCode()
		if _, err := s.store.GetSessionByCode(ctx, candidate); err == domain.ErrSessionNotFound {
			code = candidate
			break
		} else if err != nil {
			return domain.Session{}, err
		}
	}
	if code == "" {
		return domain.Session{}, fmt.Errorf("could not allocate a unique game code")
	}

	sess := domain.Session{
		ID:                   uuid.NewString(),
		QuizID:               quizID,
		HostID:               hostID,
		GameCode:             code,
		Status:               domain.StatusWaiting,
		CurrentQuestionIndex: 0,
		CreatedAt:            s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// JoinByCode registers a player in a lobby. Joining is only possible while
// the session is still waiting.
func (s *GameService) JoinByCode(ctx context.Context, code, nickname, avatar string) (domain.Session, domain.Player, error) {
	sess, err := s.store.GetSessionByCode(ctx, code)
	if err != nil {
		return domain.Session{}, domain.Player{}, err
	}
	if sess.Status != domain.StatusWaiting {
		return domain.Session{}, domain.Player{}, domain.ErrGameInProgress
	}
	if avatar == "" {
		avatar = domain.Avatars[rand.Intn(len(domain.Avatars))]
	}
	player := domain.Player{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Nickname:  nickname,
		Avatar:    avatar,
		JoinedAt:  s.now(),
	}
	if err := s.store.AddPlayer(ctx, player); err != nil {
		return domain.Session{}, domain.Player{}, err
	}
	return sess, player, nil
}

// KickPlayer removes a player from the roster. Deletion is the sole removal
// signal; clients observe it through the player delete event or the poll.
func (s *GameService) KickPlayer(ctx context.Context, sessionID, hostID, playerID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.HostID != hostID {
		return domain.ErrNotHost
	}
	return s.store.RemovePlayer(ctx, sessionID, playerID)
}

// AdvanceQuestion moves the session forward. The first call leaves the
// index at 0 and opens the first question window; later calls bump the
// index by exactly one. Advancing past the last question finishes the
// session instead; the index never moves again after that.
func (s *GameService) AdvanceQuestion(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.HostID != hostID {
		return domain.Session{}, domain.ErrNotHost
	}
	if sess.Status == domain.StatusFinished {
		return domain.Session{}, domain.ErrSessionFinished
	}
	quiz, err := s.quizzes.GetQuiz(ctx, sess.QuizID)
	if err != nil {
		return domain.Session{}, err
	}

	next := sess.CurrentQuestionIndex + 1
	if sess.QuestionStartTime == nil {
		// Leaving the lobby: question 0 starts, the index does not move.
		next = sess.CurrentQuestionIndex
	}

	now := s.now()
	if next >= len(quiz.Questions) {
		sess.Status = domain.StatusFinished
		sess.FinishedAt = &now
	} else {
		sess.CurrentQuestionIndex = next
		start := now
		sess.QuestionStartTime = &start
		if sess.Status == domain.StatusWaiting {
			sess.Status = domain.StatusPlaying
			sess.StartedAt = &now
		}
	}
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// ForceReveal ends the current question window early by moving the start
// timestamp past the time limit, so every client derives the revealing
// phase on its next recomputation. The timestamp never returns to null.
func (s *GameService) ForceReveal(ctx context.Context, sessionID, hostID string) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.HostID != hostID {
		return domain.Session{}, domain.ErrNotHost
	}
	if sess.Status == domain.StatusFinished {
		return domain.Session{}, domain.ErrSessionFinished
	}
	if sess.QuestionStartTime == nil {
		return domain.Session{}, domain.ErrNotAnswering
	}
	quiz, err := s.quizzes.GetQuiz(ctx, sess.QuizID)
	if err != nil {
		return domain.Session{}, err
	}
	q, err := questionAt(quiz, sess.CurrentQuestionIndex)
	if err != nil {
		return domain.Session{}, err
	}
	past := game.RevealStart(s.now(), q.TimeLimit)
	sess.QuestionStartTime = &past
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// RecordAnswer validates, scores, and appends one submission, then applies
// the award as a single atomic increment. The store rejects duplicate
// (player, question) inserts, which closes the double-tap race the
// client-side guard cannot.
func (s *GameService) RecordAnswer(ctx context.Context, sessionID, playerID string, sub domain.AnswerSubmission) (domain.PlayerAnswer, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.PlayerAnswer{}, err
	}
	if _, err := s.store.GetPlayer(ctx, sessionID, playerID); err != nil {
		return domain.PlayerAnswer{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, sess.QuizID)
	if err != nil {
		return domain.PlayerAnswer{}, err
	}
	q, err := questionAt(quiz, sess.CurrentQuestionIndex)
	if err != nil {
		return domain.PlayerAnswer{}, err
	}
	if q.ID != sub.QuestionID {
		return domain.PlayerAnswer{}, domain.ErrNotAnswering
	}
	if game.PhaseFor(s.now(), sess.Status, sess.QuestionStartTime, q.TimeLimit) != game.PhaseAnswering {
		return domain.PlayerAnswer{}, domain.ErrNotAnswering
	}

	correct, err := game.EvaluateSelection(q, sub.OptionIDs)
	if err != nil {
		return domain.PlayerAnswer{}, err
	}
	points := game.Score(correct, sub.TimeTakenMs, int64(q.TimeLimit)*1000, q.Points)

	answer := domain.PlayerAnswer{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		PlayerID:     playerID,
		QuestionID:   q.ID,
		OptionIDs:    sub.OptionIDs,
		Correct:      correct,
		PointsEarned: points,
		TimeTakenMs:  sub.TimeTakenMs,
		AnsweredAt:   s.now(),
	}
	if err := s.store.AppendAnswer(ctx, answer); err != nil {
		return domain.PlayerAnswer{}, err
	}
	if points > 0 {
		if _, err := s.store.AddScore(ctx, sessionID, playerID, points); err != nil {
			return domain.PlayerAnswer{}, fmt.Errorf("apply score: %w", err)
		}
	}
	return answer, nil
}

// Snapshot reads the authoritative state for one session: the record, the
// roster, and the answers for the current question when one is live.
func (s *GameService) Snapshot(ctx context.Context, sessionID string) (domain.Session, []domain.Player, []domain.PlayerAnswer, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, nil, err
	}
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, nil, err
	}
	var answers []domain.PlayerAnswer
	if sess.QuestionStartTime != nil {
		quiz, err := s.quizzes.GetQuiz(ctx, sess.QuizID)
		if err != nil {
			return domain.Session{}, nil, nil, err
		}
		if q, err := questionAt(quiz, sess.CurrentQuestionIndex); err == nil {
			answers, err = s.store.ListAnswers(ctx, sessionID, q.ID)
			if err != nil {
				return domain.Session{}, nil, nil, err
			}
		}
	}
	return sess, players, answers, nil
}

// DeleteSession tears down the whole session, including the roster and the
// answer log. This is the only path that removes answer records.
func (s *GameService) DeleteSession(ctx context.Context, sessionID, hostID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.HostID != hostID {
		return domain.ErrNotHost
	}
	return s.store.DeleteSession(ctx, sessionID)
}

// Quiz exposes the quiz content for a session's clients.
func (s *GameService) Quiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	return s.quizzes.GetQuiz(ctx, quizID)
}

// Store exposes the backing store for read/watch paths.
func (s *GameService) Store() GameStore {
	return s.store
}

func questionAt(quiz domain.Quiz, index int) (domain.Question, error) {
	if index < 0 || index >= len(quiz.Questions) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return quiz.Questions[index], nil
}
