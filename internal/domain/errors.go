package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches the id or code.
	ErrSessionNotFound = errors.New("game session not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates the referenced question is not part of the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted option id is invalid for the question.
	ErrOptionNotFound = errors.New("answer option not found")
	// ErrPlayerNotFound is returned when a player acts without a roster record.
	ErrPlayerNotFound = errors.New("player not found in session")

	// ErrNotHost rejects a host-only transition attempted by another identity.
	ErrNotHost = errors.New("only the host may perform this action")
	// ErrSessionFinished rejects any transition on a terminal session.
	ErrSessionFinished = errors.New("session already finished")
	// ErrGameInProgress rejects joins after the session left the lobby.
	ErrGameInProgress = errors.New("game already started or finished")
	// ErrNotAnswering rejects submissions outside the answering window.
	ErrNotAnswering = errors.New("no question is accepting answers")
	// ErrAnswerExists rejects a second answer for the same (player, question).
	ErrAnswerExists = errors.New("answer already submitted for this question")
	// ErrMissingPlayer rejects submissions without a known player identity.
	ErrMissingPlayer = errors.New("player identity unknown")
)
