package domain

import "time"

// SessionStatus is the stored lifecycle marker of a game session. The
// finer-grained phase (answering/revealing) is never stored; it is derived
// from QuestionStartTime on every read.
type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusPlaying  SessionStatus = "playing"
	StatusFinished SessionStatus = "finished"
)

// QuestionType selects the answer-evaluation rule for a question.
type QuestionType string

const (
	// QuestionSingle has exactly one correct option.
	QuestionSingle QuestionType = "single"
	// QuestionBoolean is a true/false question, evaluated like single.
	QuestionBoolean QuestionType = "boolean"
	// QuestionMulti requires the exact set of correct options, no partial credit.
	QuestionMulti QuestionType = "multi"
)

// Session is the single authoritative record for one hosted game. Every
// field except the player roster and the answer log is written only by the
// host.
type Session struct {
	ID                   string        `json:"id"`
	QuizID               string        `json:"quiz_id"`
	HostID               string        `json:"host_id"`
	GameCode             string        `json:"game_code"`
	Status               SessionStatus `json:"status"`
	CurrentQuestionIndex int           `json:"current_question_index"`
	QuestionStartTime    *time.Time    `json:"question_start_time"`
	StartedAt            *time.Time    `json:"started_at"`
	FinishedAt           *time.Time    `json:"finished_at"`
	CreatedAt            time.Time     `json:"created_at"`
}

// AnswerOption is one selectable answer. OrderIndex is display order only,
// fixed when the quiz was authored.
type AnswerOption struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	Correct    bool   `json:"is_correct"`
	OrderIndex int    `json:"order_index"`
}

// Question carries the timing and scoring parameters for one round.
// TimeLimit is in seconds; Points is the maximum award.
type Question struct {
	ID         string         `json:"id"`
	QuizID     string         `json:"quiz_id"`
	Text       string         `json:"question_text"`
	Type       QuestionType   `json:"question_type"`
	TimeLimit  int            `json:"time_limit"`
	Points     int            `json:"points"`
	OrderIndex int            `json:"order_index"`
	Options    []AnswerOption `json:"answer_options"`
}

// Quiz content is snapshotted at session creation and treated as immutable
// while any session plays it.
type Quiz struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Player is a session-scoped participant record, not a durable account.
// Deletion is the only removal signal; there is no soft-delete state.
type Player struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Nickname   string    `json:"nickname"`
	Avatar     string    `json:"avatar"`
	TotalScore int       `json:"total_score"`
	JoinedAt   time.Time `json:"joined_at"`
}

// PlayerAnswer is append-only. At most one exists per (player, question);
// the store enforces this on insert.
type PlayerAnswer struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	PlayerID     string    `json:"player_id"`
	QuestionID   string    `json:"question_id"`
	OptionIDs    []string  `json:"answer_option_ids"`
	Correct      bool      `json:"is_correct"`
	PointsEarned int       `json:"points_earned"`
	TimeTakenMs  int64     `json:"time_taken_ms"`
	AnsweredAt   time.Time `json:"answered_at"`
}

// AnswerSubmission is the scoring signal a client sends for one question.
// TimeTakenMs is measured by the submitting client against the shared
// question start timestamp, so only that client's own clock delta matters.
type AnswerSubmission struct {
	QuestionID  string   `json:"question_id"`
	OptionIDs   []string `json:"option_ids"`
	TimeTakenMs int64    `json:"time_taken_ms"`
}

// Collection names the record collections mutation events refer to.
type Collection string

const (
	CollectionSessions Collection = "sessions"
	CollectionPlayers  Collection = "players"
	CollectionAnswers  Collection = "answers"
)

// EventKind is the mutation type carried by a push event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one push-channel notification. Exactly one payload pointer is
// set, matching Collection. Delivery is best-effort; consumers must treat
// the store as the source of truth and the event as a hint.
type Event struct {
	Collection Collection    `json:"collection"`
	Type       EventKind     `json:"type"`
	SessionID  string        `json:"session_id"`
	Session    *Session      `json:"session,omitempty"`
	Player     *Player       `json:"player,omitempty"`
	Answer     *PlayerAnswer `json:"answer,omitempty"`
}

// Avatars is the default pool players pick from when joining without one.
var Avatars = []string{
	"🦊", "🐼", "🦁", "🐯", "🐸", "🦄", "🐙", "🦋",
	"🐳", "🦉", "🐨", "🦩", "🦈", "🐢", "🦎", "🐲",
}
