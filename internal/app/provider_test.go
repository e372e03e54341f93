package app_test

import (
	"context"
	"testing"
	"time"

	"quidle-live-service/internal/app"
	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/game"
	"quidle-live-service/internal/infra/memory"
)

func fastPacing() app.ProviderConfig {
	return app.ProviderConfig{
		PollInterval:      25 * time.Millisecond,
		LobbyPollInterval: 25 * time.Millisecond,
		TickInterval:      10 * time.Millisecond,
	}
}

func newLiveService(t *testing.T) (*app.GameService, *memory.GameStore, domain.Session) {
	t.Helper()
	store := memory.NewGameStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": fixtureQuiz(),
	}), 5*time.Minute)
	service := app.NewGameService(store, quizzes)
	sess, err := service.CreateSession(context.Background(), "quiz-1", "host-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return service, store, sess
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProviderRejectsSubmissionWithoutIdentity(t *testing.T) {
	ctx := context.Background()
	service, _, sess := newLiveService(t)

	host := app.NewHostProvider(service, sess.ID, "host-1", fastPacing())
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer host.Stop()

	if _, err := host.SubmitAnswer(ctx, []string{"a"}); err != domain.ErrMissingPlayer {
		t.Fatalf("got %v, want ErrMissingPlayer", err)
	}
}

func TestProviderRejectsSubmissionOutsideAnswering(t *testing.T) {
	ctx := context.Background()
	service, store, sess := newLiveService(t)
	_, alice, _ := service.JoinByCode(ctx, sess.GameCode, "Alice", "")

	player := app.NewPlayerProvider(service, sess.ID, alice.ID, fastPacing())
	if err := player.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer player.Stop()

	// Lobby: no question window is open; rejected before any store write.
	if _, err := player.SubmitAnswer(ctx, []string{"a", "b"}); err != domain.ErrNotAnswering {
		t.Fatalf("got %v, want ErrNotAnswering", err)
	}
	if answers, _ := store.ListAnswers(ctx, sess.ID, "q1"); len(answers) != 0 {
		t.Fatalf("store received %d answers for a local rejection", len(answers))
	}
}

func TestProviderNonHostPacingRejectedLocally(t *testing.T) {
	ctx := context.Background()
	service, store, sess := newLiveService(t)
	_, alice, _ := service.JoinByCode(ctx, sess.GameCode, "Alice", "")

	player := app.NewPlayerProvider(service, sess.ID, alice.ID, fastPacing())
	if err := player.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer player.Stop()

	if err := player.AdvanceQuestion(ctx); err != domain.ErrNotHost {
		t.Fatalf("advance: got %v, want ErrNotHost", err)
	}
	if err := player.ForceReveal(ctx); err != domain.ErrNotHost {
		t.Fatalf("reveal: got %v, want ErrNotHost", err)
	}
	if got, _ := store.GetSession(ctx, sess.ID); got.Status != domain.StatusWaiting {
		t.Fatalf("session mutated by non-host: %+v", got)
	}
}

func TestProviderSubmitAndDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	service, store, sess := newLiveService(t)
	_, alice, _ := service.JoinByCode(ctx, sess.GameCode, "Alice", "")

	host := app.NewHostProvider(service, sess.ID, "host-1", fastPacing())
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop()

	player := app.NewPlayerProvider(service, sess.ID, alice.ID, fastPacing())
	if err := player.Start(ctx); err != nil {
		t.Fatalf("start player: %v", err)
	}
	defer player.Stop()

	if err := host.AdvanceQuestion(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, func() bool {
		return player.Snapshot().Phase == game.PhaseAnswering
	}, "player never observed the answering phase")

	answer, err := player.SubmitAnswer(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !answer.Correct || answer.PointsEarned < 500 {
		t.Fatalf("unexpected answer %+v", answer)
	}

	// Confirmed record landed in the store and in the mirror.
	stored, _ := store.ListAnswers(ctx, sess.ID, "q1")
	if len(stored) != 1 {
		t.Fatalf("store has %d answers, want 1", len(stored))
	}
	snap := player.Snapshot()
	if len(snap.Answers) != 1 {
		t.Fatalf("mirror has %d answers, want 1", len(snap.Answers))
	}

	// A second submission is rejected locally before any store write.
	if _, err := player.SubmitAnswer(ctx, []string{"c"}); err != domain.ErrAnswerExists {
		t.Fatalf("duplicate: got %v, want ErrAnswerExists", err)
	}
	if stored, _ := store.ListAnswers(ctx, sess.ID, "q1"); len(stored) != 1 {
		t.Fatalf("duplicate reached the store: %d answers", len(stored))
	}
}

func TestProviderObservesRosterEvents(t *testing.T) {
	ctx := context.Background()
	service, _, sess := newLiveService(t)

	host := app.NewHostProvider(service, sess.ID, "host-1", fastPacing())
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop()

	_, alice, err := service.JoinByCode(ctx, sess.GameCode, "Alice", "🦊")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool {
		for _, p := range host.Snapshot().Players {
			if p.ID == alice.ID {
				return true
			}
		}
		return false
	}, "host never observed the joined player")

	if err := host.Kick(ctx, alice.ID); err != nil {
		t.Fatalf("kick: %v", err)
	}
	waitFor(t, func() bool {
		return len(host.Snapshot().Players) == 0
	}, "host never observed the kick")
}

func TestProviderConvergesByPollAlone(t *testing.T) {
	ctx := context.Background()
	service, _, sess := newLiveService(t)
	_, alice, _ := service.JoinByCode(ctx, sess.GameCode, "Alice", "")

	player := app.NewPlayerProvider(service, sess.ID, alice.ID, fastPacing())
	if err := player.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer player.Stop()

	// Mutate the session behind the provider's back; no provider action,
	// so only the push/poll channels can carry the change.
	if _, err := service.AdvanceQuestion(ctx, sess.ID, "host-1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, func() bool {
		snap := player.Snapshot()
		return snap.Phase == game.PhaseAnswering && snap.TimeLeft > 0
	}, "mirror never converged on the started question")
}

func TestProviderFinishedGameRejectsInFlightAnswer(t *testing.T) {
	ctx := context.Background()
	service, store, sess := newLiveService(t)
	_, alice, _ := service.JoinByCode(ctx, sess.GameCode, "Alice", "")

	player := app.NewPlayerProvider(service, sess.ID, alice.ID, fastPacing())
	if err := player.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer player.Stop()

	// Host advances through all three questions and finishes.
	for i := 0; i < 4; i++ {
		if _, err := service.AdvanceQuestion(ctx, sess.ID, "host-1"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if err := player.RefreshNow(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if player.Snapshot().Phase != game.PhaseFinished {
		t.Fatalf("phase %s, want finished", player.Snapshot().Phase)
	}

	if _, err := player.SubmitAnswer(ctx, []string{"x"}); err != domain.ErrNotAnswering {
		t.Fatalf("got %v, want ErrNotAnswering", err)
	}
	if answers, _ := store.ListAnswers(ctx, sess.ID, "q3"); len(answers) != 0 {
		t.Fatalf("in-flight answer reached the store")
	}
}

func TestProviderUpdatesChannelAndTeardown(t *testing.T) {
	ctx := context.Background()
	service, _, sess := newLiveService(t)

	host := app.NewHostProvider(service, sess.ID, "host-1", fastPacing())
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	updates, cancel := host.Updates()
	defer cancel()

	// Initial snapshot arrives immediately.
	select {
	case snap := <-updates:
		if snap.Session.ID != sess.ID {
			t.Fatalf("unexpected snapshot %+v", snap.Session)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if err := host.AdvanceQuestion(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, func() bool {
		select {
		case snap, ok := <-updates:
			return ok && snap.Phase == game.PhaseAnswering
		default:
			return false
		}
	}, "no update after advance")

	host.Stop()
	waitFor(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, "updates channel not closed on Stop")
}
