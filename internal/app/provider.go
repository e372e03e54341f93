package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/game"
)

// ProviderConfig tunes the propagation pacing. Correctness does not depend
// on any of these values, only convergence latency does.
type ProviderConfig struct {
	// PollInterval is the in-game re-fetch cadence (backstop for missed
	// push events).
	PollInterval time.Duration
	// LobbyPollInterval is the slower cadence used before the first
	// question starts.
	LobbyPollInterval time.Duration
	// TickInterval is how often the countdown is recomputed from the
	// authoritative start timestamp.
	TickInterval time.Duration
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LobbyPollInterval <= 0 {
		c.LobbyPollInterval = 3 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return c
}

// Snapshot is the session-state view handed to transports and tests:
// the local mirror plus the derived phase and remaining seconds.
type Snapshot struct {
	Session            domain.Session       `json:"session"`
	Quiz               domain.Quiz          `json:"quiz"`
	Players            []domain.Player      `json:"players"`
	Answers            []domain.PlayerAnswer `json:"answers"`
	TimeLeft           int                  `json:"time_left"`
	Phase              game.Phase           `json:"phase"`
	ObservedQuestionAt time.Time            `json:"-"`
}

// Provider keeps one client's local mirror of a session convergent with the
// store. Two channels feed the same merge functions: a push subscription
// from GameStore.Watch (latency optimization, drops tolerated) and a
// fixed-interval poll (correctness backstop). A 100ms tick recomputes the
// countdown and phase from the authoritative question start timestamp, so
// clock skew between host and player never accumulates into drift.
//
// A Provider belongs to exactly one participant. Host providers may call
// AdvanceQuestion/ForceReveal/Kick; player providers may call SubmitAnswer.
type Provider struct {
	service *GameService
	store   GameStore

	sessionID string
	playerID  string
	hostID    string
	isHost    bool

	cfg ProviderConfig
	now func() time.Time

	mu                 sync.RWMutex
	session            domain.Session
	quiz               domain.Quiz
	players            []domain.Player
	answers            []domain.PlayerAnswer
	pending            map[string]domain.PlayerAnswer // own optimistic answers by question id
	observedQuestionAt time.Time
	lastTimeLeft       int
	lastPhase          game.Phase
	subscribers        map[chan Snapshot]struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHostProvider builds the mirror for the privileged pacing client.
func NewHostProvider(service *GameService, sessionID, hostID string, cfg ProviderConfig) *Provider {
	p := newProvider(service, sessionID, cfg)
	p.hostID = hostID
	p.isHost = true
	return p
}

// NewPlayerProvider builds the mirror for an answering client.
func NewPlayerProvider(service *GameService, sessionID, playerID string, cfg ProviderConfig) *Provider {
	p := newProvider(service, sessionID, cfg)
	p.playerID = playerID
	return p
}

func newProvider(service *GameService, sessionID string, cfg ProviderConfig) *Provider {
	return &Provider{
		service:     service,
		store:       service.Store(),
		sessionID:   sessionID,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		pending:     make(map[string]domain.PlayerAnswer),
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// Start loads the initial mirror and launches the push, poll, and tick
// loops. All three stop when ctx is canceled or Stop is called; the watch
// subscription is released on every exit path.
func (p *Provider) Start(ctx context.Context) error {
	sess, err := p.store.GetSession(ctx, p.sessionID)
	if err != nil {
		return err
	}
	quiz, err := p.service.Quiz(ctx, sess.QuizID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.session = sess
	p.quiz = quiz
	if sess.QuestionStartTime != nil {
		p.observedQuestionAt = p.now()
	}
	p.mu.Unlock()

	if err := p.RefreshNow(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	events, watchCancel, err := p.store.Watch(runCtx, p.sessionID)
	if err != nil {
		// Push is a latency optimization only; the poll loop still
		// converges within one interval.
		log.Printf("provider %s: watch unavailable, poll only: %v", p.sessionID, err)
	} else {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer watchCancel()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					p.applyEvent(ev)
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	p.wg.Add(1)
	go p.pollLoop(runCtx)
	p.wg.Add(1)
	go p.tickLoop(runCtx)
	return nil
}

// Stop tears down the loops, the subscription, and every update channel.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.mu.Lock()
		for ch := range p.subscribers {
			delete(p.subscribers, ch)
			close(ch)
		}
		p.mu.Unlock()
	})
}

// Updates returns a channel receiving a snapshot whenever the mirror or the
// derived timing changes, starting with the current state. The caller must
// invoke cancel to release it.
func (p *Provider) Updates() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	initial := p.snapshotLocked()
	p.mu.Unlock()

	ch <- initial

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subscribers[ch]; ok {
			delete(p.subscribers, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current session-state view.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// AdvanceQuestion is the host-only pacing transition. Non-host providers
// reject it locally without touching the store.
func (p *Provider) AdvanceQuestion(ctx context.Context) error {
	if !p.isHost {
		return domain.ErrNotHost
	}
	sess, err := p.service.AdvanceQuestion(ctx, p.sessionID, p.hostID)
	if err != nil {
		return err
	}
	p.applySession(sess)
	if sess.Status == domain.StatusFinished {
		// Guarantee a final-score snapshot before results are displayed.
		return p.RefreshNow(ctx)
	}
	return nil
}

// ForceReveal ends the current question early (host-only).
func (p *Provider) ForceReveal(ctx context.Context) error {
	if !p.isHost {
		return domain.ErrNotHost
	}
	sess, err := p.service.ForceReveal(ctx, p.sessionID, p.hostID)
	if err != nil {
		return err
	}
	p.applySession(sess)
	return nil
}

// Kick removes a player (host-only).
func (p *Provider) Kick(ctx context.Context, playerID string) error {
	if !p.isHost {
		return domain.ErrNotHost
	}
	if err := p.service.KickPlayer(ctx, p.sessionID, p.hostID, playerID); err != nil {
		return err
	}
	p.mu.Lock()
	p.removePlayerLocked(playerID)
	p.mu.Unlock()
	p.publish()
	return nil
}

// SubmitAnswer runs the answer submission protocol: local preconditions,
// local correctness/scoring for the optimistic copy, then the store write.
// The optimistic copy is applied before confirmation and is never rolled
// back on write failure; it is reconciled away when the confirmed record
// arrives on either channel.
func (p *Provider) SubmitAnswer(ctx context.Context, optionIDs []string) (domain.PlayerAnswer, error) {
	if p.playerID == "" {
		return domain.PlayerAnswer{}, domain.ErrMissingPlayer
	}

	p.mu.Lock()
	q, ok := p.currentQuestionLocked()
	if !ok {
		p.mu.Unlock()
		return domain.PlayerAnswer{}, domain.ErrQuestionNotFound
	}
	start := p.session.QuestionStartTime
	if game.PhaseFor(p.now(), p.session.Status, start, q.TimeLimit) != game.PhaseAnswering {
		p.mu.Unlock()
		return domain.PlayerAnswer{}, domain.ErrNotAnswering
	}
	if p.hasOwnAnswerLocked(q.ID) {
		p.mu.Unlock()
		return domain.PlayerAnswer{}, domain.ErrAnswerExists
	}

	timeTaken := game.TimeTaken(p.now(), *start)
	correct, err := game.EvaluateSelection(q, optionIDs)
	if err != nil {
		p.mu.Unlock()
		return domain.PlayerAnswer{}, err
	}
	points := game.Score(correct, timeTaken, int64(q.TimeLimit)*1000, q.Points)

	optimistic := domain.PlayerAnswer{
		ID:           uuid.NewString(),
		SessionID:    p.sessionID,
		PlayerID:     p.playerID,
		QuestionID:   q.ID,
		OptionIDs:    optionIDs,
		Correct:      correct,
		PointsEarned: points,
		TimeTakenMs:  timeTaken,
		AnsweredAt:   p.now(),
	}
	p.pending[q.ID] = optimistic
	p.mu.Unlock()
	p.publish()

	confirmed, err := p.service.RecordAnswer(ctx, p.sessionID, p.playerID, domain.AnswerSubmission{
		QuestionID:  q.ID,
		OptionIDs:   optionIDs,
		TimeTakenMs: timeTaken,
	})
	if err != nil {
		// The optimistic copy stays pending; the confirmed record (if any)
		// reconciles it when it arrives via push or poll.
		return optimistic, err
	}

	p.mu.Lock()
	delete(p.pending, q.ID)
	p.insertAnswerLocked(confirmed)
	p.mu.Unlock()
	p.publish()
	return confirmed, nil
}

// RefreshNow forces an out-of-band re-fetch of the session, roster, and
// current-question answers.
func (p *Provider) RefreshNow(ctx context.Context) error {
	sess, players, answers, err := p.service.Snapshot(ctx, p.sessionID)
	if err != nil {
		return err
	}
	p.applySession(sess)

	p.mu.Lock()
	p.players = players
	p.reconcileAnswersLocked(answers)
	p.mu.Unlock()
	p.publish()
	return nil
}

func (p *Provider) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval()):
		}
		p.poll(ctx)
	}
}

// poll re-fetches the session record and, when a question is live, its
// answers. A transient store failure here is a StaleView, not an error:
// the next interval retries unconditionally.
func (p *Provider) poll(ctx context.Context) {
	sess, err := p.store.GetSession(ctx, p.sessionID)
	if err != nil {
		log.Printf("provider %s: poll session: %v", p.sessionID, err)
		return
	}
	p.applySession(sess)

	p.mu.RLock()
	q, live := p.currentQuestionLocked()
	started := p.session.QuestionStartTime != nil
	p.mu.RUnlock()
	if !live || !started {
		return
	}

	answers, err := p.store.ListAnswers(ctx, p.sessionID, q.ID)
	if err != nil {
		log.Printf("provider %s: poll answers: %v", p.sessionID, err)
		return
	}
	p.mu.Lock()
	changed := p.reconcileAnswersLocked(answers)
	p.mu.Unlock()
	if changed {
		p.publish()
	}
}

func (p *Provider) pollInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session.QuestionStartTime == nil && p.session.Status == domain.StatusWaiting {
		return p.cfg.LobbyPollInterval
	}
	return p.cfg.PollInterval
}

func (p *Provider) tickLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		left, phase := p.derivedLocked()
		changed := left != p.lastTimeLeft || phase != p.lastPhase
		p.lastTimeLeft = left
		p.lastPhase = phase
		p.mu.Unlock()
		if changed {
			p.publish()
		}
	}
}

// applyEvent feeds a push notification into the same merge logic the poll
// uses. Events for other questions or already-known records are no-ops.
func (p *Provider) applyEvent(ev domain.Event) {
	switch ev.Collection {
	case domain.CollectionSessions:
		if ev.Session != nil {
			p.applySession(*ev.Session)
		}
	case domain.CollectionPlayers:
		if ev.Player == nil {
			return
		}
		p.mu.Lock()
		switch ev.Type {
		case domain.EventDelete:
			p.removePlayerLocked(ev.Player.ID)
		default:
			p.upsertPlayerLocked(*ev.Player)
		}
		p.mu.Unlock()
		p.publish()
	case domain.CollectionAnswers:
		if ev.Answer == nil || ev.Type != domain.EventInsert {
			return
		}
		p.mu.Lock()
		q, ok := p.currentQuestionLocked()
		changed := ok && ev.Answer.QuestionID == q.ID && p.insertAnswerLocked(*ev.Answer)
		p.mu.Unlock()
		if changed {
			p.publish()
		}
	}
}

// applySession merges a fetched or pushed session record into the mirror,
// by field-level comparison so redundant fetches cause no churn. A new
// question start (index or timestamp change) resets the local observation
// point and prunes answers for older questions.
func (p *Provider) applySession(next domain.Session) {
	p.mu.Lock()
	prev := p.session
	if sessionsEqual(prev, next) {
		p.mu.Unlock()
		return
	}
	p.session = next

	newQuestion := next.CurrentQuestionIndex != prev.CurrentQuestionIndex ||
		!timesEqual(next.QuestionStartTime, prev.QuestionStartTime)
	if newQuestion && next.QuestionStartTime != nil {
		p.observedQuestionAt = p.now()
		if q, ok := p.currentQuestionLocked(); ok {
			p.pruneAnswersLocked(q.ID)
		}
	}
	p.mu.Unlock()
	p.publish()
}

func (p *Provider) snapshotLocked() Snapshot {
	left, phase := p.derivedLocked()
	players := make([]domain.Player, len(p.players))
	copy(players, p.players)

	answers := make([]domain.PlayerAnswer, len(p.answers))
	copy(answers, p.answers)
	if q, ok := p.currentQuestionLocked(); ok {
		if pend, found := p.pending[q.ID]; found {
			answers = append(answers, pend)
		}
	}

	return Snapshot{
		Session:            p.session,
		Quiz:               p.quiz,
		Players:            players,
		Answers:            answers,
		TimeLeft:           left,
		Phase:              phase,
		ObservedQuestionAt: p.observedQuestionAt,
	}
}

func (p *Provider) derivedLocked() (int, game.Phase) {
	limit := 0
	if q, ok := p.currentQuestionLocked(); ok {
		limit = q.TimeLimit
	}
	now := p.now()
	left := game.TimeLeft(now, p.session.QuestionStartTime, limit)
	phase := game.PhaseFor(now, p.session.Status, p.session.QuestionStartTime, limit)
	return left, phase
}

func (p *Provider) currentQuestionLocked() (domain.Question, bool) {
	idx := p.session.CurrentQuestionIndex
	if idx < 0 || idx >= len(p.quiz.Questions) {
		return domain.Question{}, false
	}
	return p.quiz.Questions[idx], true
}

func (p *Provider) hasOwnAnswerLocked(questionID string) bool {
	if _, ok := p.pending[questionID]; ok {
		return true
	}
	for _, a := range p.answers {
		if a.PlayerID == p.playerID && a.QuestionID == questionID {
			return true
		}
	}
	return false
}

// insertAnswerLocked adds one answer if no record for the same
// (player, question) is mirrored yet, and reconciles a matching pending
// optimistic copy. Returns whether the mirror changed.
func (p *Provider) insertAnswerLocked(a domain.PlayerAnswer) bool {
	for _, existing := range p.answers {
		if existing.PlayerID == a.PlayerID && existing.QuestionID == a.QuestionID {
			return false
		}
	}
	if a.PlayerID == p.playerID {
		delete(p.pending, a.QuestionID)
	}
	p.answers = append(p.answers, a)
	return true
}

// reconcileAnswersLocked replaces the mirrored answer list with the fetched
// one when they differ, reconciling any pending copy the fetch confirms.
func (p *Provider) reconcileAnswersLocked(fetched []domain.PlayerAnswer) bool {
	if answersEqual(p.answers, fetched) {
		return false
	}
	p.answers = fetched
	for _, a := range fetched {
		if a.PlayerID == p.playerID {
			delete(p.pending, a.QuestionID)
		}
	}
	return true
}

func (p *Provider) pruneAnswersLocked(questionID string) {
	kept := p.answers[:0]
	for _, a := range p.answers {
		if a.QuestionID == questionID {
			kept = append(kept, a)
		}
	}
	p.answers = kept
	for qid := range p.pending {
		if qid != questionID {
			delete(p.pending, qid)
		}
	}
}

func (p *Provider) upsertPlayerLocked(pl domain.Player) {
	for i := range p.players {
		if p.players[i].ID == pl.ID {
			p.players[i] = pl
			return
		}
	}
	p.players = append(p.players, pl)
}

func (p *Provider) removePlayerLocked(playerID string) {
	kept := p.players[:0]
	for _, pl := range p.players {
		if pl.ID != playerID {
			kept = append(kept, pl)
		}
	}
	p.players = kept
}

func (p *Provider) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snapshotLocked()
	for ch := range p.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot so a slow consumer never blocks the
			// mirror; the newest state wins.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func sessionsEqual(a, b domain.Session) bool {
	return a.Status == b.Status &&
		a.CurrentQuestionIndex == b.CurrentQuestionIndex &&
		timesEqual(a.QuestionStartTime, b.QuestionStartTime) &&
		timesEqual(a.StartedAt, b.StartedAt) &&
		timesEqual(a.FinishedAt, b.FinishedAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func answersEqual(a, b []domain.PlayerAnswer) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]domain.PlayerAnswer, len(a))
	for _, ans := range a {
		byID[ans.ID] = ans
	}
	for _, ans := range b {
		prev, ok := byID[ans.ID]
		if !ok || prev.PointsEarned != ans.PointsEarned || prev.Correct != ans.Correct {
			return false
		}
	}
	return true
}
