package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quidle-live-service/internal/app"
	"quidle-live-service/internal/config"
	"quidle-live-service/internal/domain"
	"quidle-live-service/internal/infra/memory"
	pgloader "quidle-live-service/internal/infra/postgres"
	redisinfra "quidle-live-service/internal/infra/redis"
	transport "quidle-live-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	sessionTTL := config.Duration(cfg.Redis.TTL, 2*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var store app.GameStore
	if redisClient != nil {
		store = redisinfra.NewGameStore(redisClient, sessionTTL)
	} else {
		store = memory.NewGameStore()
	}

	service := app.NewGameService(store, quizRepo)
	pacing := app.ProviderConfig{
		PollInterval:      config.Duration(cfg.Game.Poll, time.Second),
		LobbyPollInterval: config.Duration(cfg.Game.LobbyPoll, 3*time.Second),
		TickInterval:      config.Duration(cfg.Game.Tick, 100*time.Millisecond),
	}
	wsHandler := transport.NewWSHandler(service, pacing)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sessions", wsHandler.HandleCreateSession)
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting game service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides demo content for running without Postgres.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warmup",
			Questions: []domain.Question{
				{
					ID:        "q1",
					QuizID:    "quiz-1",
					Text:      "What is 2 + 2?",
					Type:      domain.QuestionSingle,
					TimeLimit: 20,
					Points:    1000,
					Options: []domain.AnswerOption{
						{ID: "o1", QuestionID: "q1", Text: "3", OrderIndex: 0},
						{ID: "o2", QuestionID: "q1", Text: "4", Correct: true, OrderIndex: 1},
						{ID: "o3", QuestionID: "q1", Text: "5", OrderIndex: 2},
					},
				},
				{
					ID:         "q2",
					QuizID:     "quiz-1",
					Text:       "The sky is blue.",
					Type:       domain.QuestionBoolean,
					TimeLimit:  10,
					Points:     500,
					OrderIndex: 1,
					Options: []domain.AnswerOption{
						{ID: "o4", QuestionID: "q2", Text: "True", Correct: true, OrderIndex: 0},
						{ID: "o5", QuestionID: "q2", Text: "False", OrderIndex: 1},
					},
				},
				{
					ID:         "q3",
					QuizID:     "quiz-1",
					Text:       "Select the even numbers.",
					Type:       domain.QuestionMulti,
					TimeLimit:  20,
					Points:     1000,
					OrderIndex: 2,
					Options: []domain.AnswerOption{
						{ID: "o6", QuestionID: "q3", Text: "2", Correct: true, OrderIndex: 0},
						{ID: "o7", QuestionID: "q3", Text: "3", OrderIndex: 1},
						{ID: "o8", QuestionID: "q3", Text: "4", Correct: true, OrderIndex: 2},
						{ID: "o9", QuestionID: "q3", Text: "5", OrderIndex: 3},
					},
				},
			},
		},
	}
}
