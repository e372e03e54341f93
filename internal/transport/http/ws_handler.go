package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"quidle-live-service/internal/app"
	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/game"
)

// WSHandler wires host and player clients into the game session core. Each
// connection owns one Provider; its push/poll/tick loops are torn down when
// the connection goes away, on every exit path.
type WSHandler struct {
	service  *app.GameService
	pacing   app.ProviderConfig
	upgrader websocket.Upgrader
	validate *validator.Validate
}

func NewWSHandler(service *app.GameService, pacing app.ProviderConfig) *WSHandler {
	return &WSHandler{
		service: service,
		pacing:  pacing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate: validator.New(),
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type answerPayload struct {
	OptionIDs []string `json:"option_ids"`
}

type kickPayload struct {
	PlayerID string `json:"player_id"`
}

type joinedPayload struct {
	Session domain.Session `json:"session"`
	Player  *domain.Player `json:"player,omitempty"`
}

type statePayload struct {
	Session  domain.Session        `json:"session"`
	Quiz     domain.Quiz           `json:"quiz"`
	Players  []domain.Player       `json:"players"`
	Answers  []domain.PlayerAnswer `json:"answers"`
	TimeLeft int                   `json:"time_left"`
	Phase    game.Phase            `json:"phase"`
}

type hostQuery struct {
	SessionID string `validate:"required"`
	HostID    string `validate:"required"`
}

type playerQuery struct {
	Code     string `validate:"required,len=6,alphanum"`
	Nickname string `validate:"required,min=1,max=24"`
	Avatar   string `validate:"omitempty,max=8"`
	PlayerID string `validate:"omitempty"`
}

type createSessionRequest struct {
	QuizID string `json:"quiz_id" validate:"required"`
	HostID string `json:"host_id" validate:"required"`
}

// HandleCreateSession opens a lobby: POST {quiz_id, host_id} -> session.
func (h *WSHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := h.service.CreateSession(r.Context(), req.QuizID, req.HostID)
	if err == domain.ErrQuizNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}

// ServeWS upgrades the request and attaches the client to its session.
// Hosts connect with role=host&sessionId=..&hostId=..; players with
// role=player&code=..&nickname=.. (joining) or an existing playerId
// (reconnecting).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role == "" {
		role = "player"
	}

	var (
		provider *app.Provider
		joined   joinedPayload
		isHost   bool
	)

	switch role {
	case "host":
		params := hostQuery{SessionID: q.Get("sessionId"), HostID: q.Get("hostId")}
		if err := h.validate.Struct(params); err != nil {
			http.Error(w, "missing sessionId or hostId", http.StatusBadRequest)
			return
		}
		sess, err := h.service.Store().GetSession(r.Context(), params.SessionID)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if sess.HostID != params.HostID {
			http.Error(w, "not the host of this session", http.StatusForbidden)
			return
		}
		provider = app.NewHostProvider(h.service, sess.ID, params.HostID, h.pacing)
		joined = joinedPayload{Session: sess}
		isHost = true

	case "player":
		params := playerQuery{
			Code:     q.Get("code"),
			Nickname: q.Get("nickname"),
			Avatar:   q.Get("avatar"),
			PlayerID: q.Get("playerId"),
		}
		if params.PlayerID != "" {
			// Reconnect: the nickname requirement does not apply.
			params.Nickname = "-"
		}
		if err := h.validate.Struct(params); err != nil {
			http.Error(w, "invalid code or nickname", http.StatusBadRequest)
			return
		}

		var (
			sess   domain.Session
			player domain.Player
			err    error
		)
		if params.PlayerID == "" {
			sess, player, err = h.service.JoinByCode(r.Context(), params.Code, params.Nickname, params.Avatar)
		} else {
			sess, err = h.service.Store().GetSessionByCode(r.Context(), params.Code)
			if err == nil {
				player, err = h.service.Store().GetPlayer(r.Context(), sess.ID, params.PlayerID)
			}
		}
		switch err {
		case nil:
		case domain.ErrSessionNotFound:
			http.Error(w, "game not found", http.StatusNotFound)
			return
		case domain.ErrGameInProgress:
			http.Error(w, "game already started or finished", http.StatusConflict)
			return
		case domain.ErrPlayerNotFound:
			http.Error(w, "player not found", http.StatusNotFound)
			return
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		provider = app.NewPlayerProvider(h.service, sess.ID, player.ID, h.pacing)
		joined = joinedPayload{Session: sess, Player: &player}

	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if err := provider.Start(r.Context()); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer provider.Stop()

	updates, cancelUpdates := provider.Updates()
	defer cancelUpdates()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: h.statePayload(snap, isHost)}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "joined", Payload: joined}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "advance":
			if err := provider.AdvanceQuestion(r.Context()); err != nil {
				send <- errorMessage(err)
			}
		case "reveal":
			if err := provider.ForceReveal(r.Context()); err != nil {
				send <- errorMessage(err)
			}
		case "kick":
			var payload kickPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.PlayerID == "" {
				send <- errorMessage(domain.ErrPlayerNotFound)
				continue
			}
			if err := provider.Kick(r.Context(), payload.PlayerID); err != nil {
				send <- errorMessage(err)
			}
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			answer, err := provider.SubmitAnswer(r.Context(), payload.OptionIDs)
			if err != nil {
				send <- errorMessage(err)
				continue
			}
			send <- outboundMessage[any]{Type: "answerResult", Payload: answer}
		case "refresh":
			if err := provider.RefreshNow(r.Context()); err != nil {
				send <- errorMessage(err)
			}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

// statePayload shapes a snapshot for the wire. Players never receive the
// correct-option flags before the reveal.
func (h *WSHandler) statePayload(snap app.Snapshot, isHost bool) statePayload {
	quiz := snap.Quiz
	if !isHost && snap.Phase != game.PhaseRevealing && snap.Phase != game.PhaseFinished {
		quiz = redactQuiz(quiz)
	}
	return statePayload{
		Session:  snap.Session,
		Quiz:     quiz,
		Players:  snap.Players,
		Answers:  snap.Answers,
		TimeLeft: snap.TimeLeft,
		Phase:    snap.Phase,
	}
}

func redactQuiz(quiz domain.Quiz) domain.Quiz {
	questions := make([]domain.Question, len(quiz.Questions))
	for i, q := range quiz.Questions {
		options := make([]domain.AnswerOption, len(q.Options))
		for j, opt := range q.Options {
			opt.Correct = false
			options[j] = opt
		}
		q.Options = options
		questions[i] = q
	}
	quiz.Questions = questions
	return quiz
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
}
