package app

import (
	"context"

	"quidle-live-service/internal/domain"
)

// GameStore abstracts the durable session record store (in-memory, Redis,
// etc). One session is always owned by one store record; host-only fields
// are written through UpdateSession while players reach only AddPlayer,
// AppendAnswer, and AddScore.
//
// Implementations must:
//   - resolve GetSessionByCode only among non-finished sessions, so a code
//     is unambiguous while the game it names is live;
//   - reject a second answer for the same (player, question) pair with
//     domain.ErrAnswerExists, atomically with the insert;
//   - make AddScore a single atomic increment, not read-then-write.
type GameStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetSessionByCode(ctx context.Context, code string) (domain.Session, error)
	UpdateSession(ctx context.Context, s domain.Session) error
	DeleteSession(ctx context.Context, id string) error

	AddPlayer(ctx context.Context, p domain.Player) error
	GetPlayer(ctx context.Context, sessionID, playerID string) (domain.Player, error)
	RemovePlayer(ctx context.Context, sessionID, playerID string) error
	ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)
	AddScore(ctx context.Context, sessionID, playerID string, delta int) (int, error)

	AppendAnswer(ctx context.Context, a domain.PlayerAnswer) error
	ListAnswers(ctx context.Context, sessionID, questionID string) ([]domain.PlayerAnswer, error)

	// Watch subscribes to mutation events for one session. Delivery is
	// best-effort; the poll channel is the correctness backstop. The cancel
	// function must be called to release the subscription.
	Watch(ctx context.Context, sessionID string) (<-chan domain.Event, func(), error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}
