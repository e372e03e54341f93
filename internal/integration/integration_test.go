package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quidle-live-service/internal/app"
	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/game"
	pgloader "quidle-live-service/internal/infra/postgres"
	pgmigrations "quidle-live-service/internal/infra/postgres/migrations"
	infraredis "quidle-live-service/internal/infra/redis"
)

func TestGameRoundEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuiz(t, ctx, pgURL, sampleQuiz())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	quizzes := infraredis.NewQuizRepository(redisClient, pgloader.NewQuizLoader(pool), 5*time.Minute)
	store := infraredis.NewGameStore(redisClient, time.Hour)
	service := app.NewGameService(store, quizzes)

	sess, err := service.CreateSession(ctx, "quiz-1", "host-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(sess.GameCode) != game.GameCodeLength {
		t.Fatalf("bad game code %q", sess.GameCode)
	}

	_, alice, err := service.JoinByCode(ctx, sess.GameCode, "Alice", "🦊")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	_, bob, err := service.JoinByCode(ctx, sess.GameCode, "Bob", "🐼")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	// A provider mirrors the session over redis pub/sub plus polling.
	mirror := app.NewPlayerProvider(service, sess.ID, alice.ID, app.ProviderConfig{
		PollInterval:      50 * time.Millisecond,
		LobbyPollInterval: 50 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
	})
	if err := mirror.Start(ctx); err != nil {
		t.Fatalf("start provider: %v", err)
	}
	defer mirror.Stop()

	if _, err := service.AdvanceQuestion(ctx, sess.ID, "host-1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, func() bool {
		return mirror.Snapshot().Phase == game.PhaseAnswering
	}, "provider never observed the open question")

	answer, err := mirror.SubmitAnswer(ctx, []string{"o2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !answer.Correct || answer.PointsEarned < 500 {
		t.Fatalf("unexpected answer %+v", answer)
	}

	// Duplicate loses at the store boundary even when issued directly.
	_, err = service.RecordAnswer(ctx, sess.ID, alice.ID, domain.AnswerSubmission{
		QuestionID: "q1", OptionIDs: []string{"o1"}, TimeTakenMs: 1000,
	})
	if err != domain.ErrAnswerExists {
		t.Fatalf("duplicate: got %v, want ErrAnswerExists", err)
	}

	// Advancing past the only question finishes the game.
	if _, err := service.AdvanceQuestion(ctx, sess.ID, "host-1"); err != nil {
		t.Fatalf("advance 2: %v", err)
	}

	players, err := store.ListPlayers(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("roster size %d", len(players))
	}
	for _, p := range players {
		switch p.ID {
		case alice.ID:
			if p.TotalScore != answer.PointsEarned {
				t.Fatalf("alice score %d, want %d", p.TotalScore, answer.PointsEarned)
			}
		case bob.ID:
			if p.TotalScore != 0 {
				t.Fatalf("bob score %d, want 0", p.TotalScore)
			}
		}
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.StatusFinished {
		t.Fatalf("status %s, want finished", got.Status)
	}
	if _, err := store.GetSessionByCode(ctx, sess.GameCode); err != domain.ErrSessionNotFound {
		t.Fatalf("finished session still joinable by code: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quidle", "POSTGRES_PASSWORD": "quidlepass", "POSTGRES_DB": "quidledb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quidle:quidlepass@%s:%s/quidledb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedQuiz(t *testing.T, ctx context.Context, dsn string, quiz domain.Quiz) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(data)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Arithmetic",
		Questions: []domain.Question{
			{
				ID:        "q1",
				QuizID:    "quiz-1",
				Text:      "What is 2 + 2?",
				Type:      domain.QuestionSingle,
				TimeLimit: 20,
				Points:    1000,
				Options: []domain.AnswerOption{
					{ID: "o1", QuestionID: "q1", Text: "3"},
					{ID: "o2", QuestionID: "q1", Text: "4", Correct: true},
					{ID: "o3", QuestionID: "q1", Text: "5"},
				},
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
