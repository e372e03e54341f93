package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quidle-live-service/internal/domain"
)

// GameStore is a Redis implementation of app.GameStore. Layout per session:
//
//	game:session:{id}        session record JSON
//	game:code:{CODE}         code -> session id, removed when finished
//	game:{id}:players        hash: player id -> player JSON (score at join time)
//	game:{id}:scores         hash: player id -> running total (HINCRBY)
//	game:{id}:answers        hash: {questionID}/{playerID} -> answer JSON (HSETNX)
//	game:{id}:events         pub/sub channel for mutation events
//
// Scores live in their own hash so the increment is a single atomic HINCRBY
// rather than a read-then-write on the player document; reads merge the two.
// HSETNX makes duplicate (player, question) submissions lose the race at
// the store boundary, not just in the client.
type GameStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGameStore(client *redis.Client, ttl time.Duration) *GameStore {
	return &GameStore{client: client, ttl: ttl}
}

func (s *GameStore) CreateSession(ctx context.Context, sess domain.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), raw, s.ttl)
	pipe.Set(ctx, codeKey(sess.GameCode), sess.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GameStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *GameStore) GetSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	id, err := s.client.Get(ctx, codeKey(strings.ToUpper(code))).Result()
	if err == redis.Nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get code: %w", err)
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Status == domain.StatusFinished {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *GameStore) UpdateSession(ctx context.Context, sess domain.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if sess.Status == domain.StatusFinished {
		// The code only needs to be unambiguous among live sessions.
		_ = s.client.Del(ctx, codeKey(sess.GameCode)).Err()
	}
	s.publish(ctx, sess.ID, domain.Event{
		Collection: domain.CollectionSessions,
		Type:       domain.EventUpdate,
		SessionID:  sess.ID,
		Session:    &sess,
	})
	return nil
}

func (s *GameStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.Del(ctx, codeKey(sess.GameCode))
	pipe.Del(ctx, playersKey(id))
	pipe.Del(ctx, scoresKey(id))
	pipe.Del(ctx, answersKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *GameStore) AddPlayer(ctx context.Context, p domain.Player) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal player: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, playersKey(p.SessionID), p.ID, raw)
	pipe.Expire(ctx, playersKey(p.SessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add player: %w", err)
	}
	s.publish(ctx, p.SessionID, domain.Event{
		Collection: domain.CollectionPlayers,
		Type:       domain.EventInsert,
		SessionID:  p.SessionID,
		Player:     &p,
	})
	return nil
}

func (s *GameStore) GetPlayer(ctx context.Context, sessionID, playerID string) (domain.Player, error) {
	raw, err := s.client.HGet(ctx, playersKey(sessionID), playerID).Bytes()
	if err == redis.Nil {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("get player: %w", err)
	}
	var p domain.Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Player{}, fmt.Errorf("unmarshal player: %w", err)
	}
	score, err := s.client.HGet(ctx, scoresKey(sessionID), playerID).Int()
	if err == nil {
		p.TotalScore = score
	}
	return p, nil
}

func (s *GameStore) RemovePlayer(ctx context.Context, sessionID, playerID string) error {
	p, err := s.GetPlayer(ctx, sessionID, playerID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, playersKey(sessionID), playerID)
	pipe.HDel(ctx, scoresKey(sessionID), playerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	s.publish(ctx, sessionID, domain.Event{
		Collection: domain.CollectionPlayers,
		Type:       domain.EventDelete,
		SessionID:  sessionID,
		Player:     &p,
	})
	return nil
}

func (s *GameStore) ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	raw, err := s.client.HGetAll(ctx, playersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	scores, err := s.client.HGetAll(ctx, scoresKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	players := make([]domain.Player, 0, len(raw))
	for id, doc := range raw {
		var p domain.Player
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("unmarshal player %s: %w", id, err)
		}
		if scoreStr, ok := scores[id]; ok {
			if score, err := strconv.Atoi(scoreStr); err == nil {
				p.TotalScore = score
			}
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].JoinedAt.Before(players[j].JoinedAt)
		}
		return players[i].ID < players[j].ID
	})
	return players, nil
}

// AddScore is a single HINCRBY; concurrent submissions serialize in Redis
// and no update can be lost.
func (s *GameStore) AddScore(ctx context.Context, sessionID, playerID string, delta int) (int, error) {
	exists, err := s.client.HExists(ctx, playersKey(sessionID), playerID).Result()
	if err != nil {
		return 0, fmt.Errorf("check player: %w", err)
	}
	if !exists {
		return 0, domain.ErrPlayerNotFound
	}
	total, err := s.client.HIncrBy(ctx, scoresKey(sessionID), playerID, int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr score: %w", err)
	}
	_ = s.client.Expire(ctx, scoresKey(sessionID), s.ttl).Err()

	if p, err := s.GetPlayer(ctx, sessionID, playerID); err == nil {
		s.publish(ctx, sessionID, domain.Event{
			Collection: domain.CollectionPlayers,
			Type:       domain.EventUpdate,
			SessionID:  sessionID,
			Player:     &p,
		})
	}
	return int(total), nil
}

func (s *GameStore) AppendAnswer(ctx context.Context, a domain.PlayerAnswer) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	field := a.QuestionID + "/" + a.PlayerID
	set, err := s.client.HSetNX(ctx, answersKey(a.SessionID), field, raw).Result()
	if err != nil {
		return fmt.Errorf("append answer: %w", err)
	}
	if !set {
		return domain.ErrAnswerExists
	}
	_ = s.client.Expire(ctx, answersKey(a.SessionID), s.ttl).Err()
	s.publish(ctx, a.SessionID, domain.Event{
		Collection: domain.CollectionAnswers,
		Type:       domain.EventInsert,
		SessionID:  a.SessionID,
		Answer:     &a,
	})
	return nil
}

func (s *GameStore) ListAnswers(ctx context.Context, sessionID, questionID string) ([]domain.PlayerAnswer, error) {
	raw, err := s.client.HGetAll(ctx, answersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	prefix := questionID + "/"
	answers := make([]domain.PlayerAnswer, 0)
	for field, doc := range raw {
		if !strings.HasPrefix(field, prefix) {
			continue
		}
		var a domain.PlayerAnswer
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("unmarshal answer %s: %w", field, err)
		}
		answers = append(answers, a)
	}
	sort.Slice(answers, func(i, j int) bool {
		if !answers[i].AnsweredAt.Equal(answers[j].AnsweredAt) {
			return answers[i].AnsweredAt.Before(answers[j].AnsweredAt)
		}
		return answers[i].ID < answers[j].ID
	})
	return answers, nil
}

// Watch subscribes to the session's event channel. Redis pub/sub delivery
// is best-effort by design, which matches the contract: consumers poll as
// the backstop.
func (s *GameStore) Watch(ctx context.Context, sessionID string) (<-chan domain.Event, func(), error) {
	pubsub := s.client.Subscribe(ctx, eventsKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan domain.Event, 32)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
				// slow consumer: drop, the poll converges
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (s *GameStore) publish(ctx context.Context, sessionID string, ev domain.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// best-effort: a lost event is recovered by the next poll
	_ = s.client.Publish(ctx, eventsKey(sessionID), raw).Err()
}

func sessionKey(id string) string    { return "game:session:" + id }
func codeKey(code string) string     { return "game:code:" + code }
func playersKey(id string) string    { return "game:" + id + ":players" }
func scoresKey(id string) string     { return "game:" + id + ":scores" }
func answersKey(id string) string    { return "game:" + id + ":answers" }
func eventsKey(id string) string     { return "game:" + id + ":events" }
