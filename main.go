package main

import (
	"context"
	"log"
	"os"
	"time"

	"fleetdiag/internal/api"
	"fleetdiag/internal/auth"
	"fleetdiag/internal/config"
	"fleetdiag/internal/media"
	"fleetdiag/internal/models"
	"fleetdiag/internal/redis"
	"fleetdiag/internal/service/engine"
	"fleetdiag/internal/service/fleet"
	"fleetdiag/internal/session"
	"fleetdiag/internal/storage"
	"fleetdiag/internal/worker"

	"github.com/gin-gonic/gin"
)

// engineAdapter bridges the eino-backed engine to the session machine's
// collaborator interface.
type engineAdapter struct {
	svc *engine.Service
}

func (a engineAdapter) StartSession(ctx context.Context, truck *models.Truck, project *models.Project) (*session.StartOutcome, error) {
	res, err := a.svc.StartSession(ctx, truck, project)
	if err != nil {
		return nil, err
	}
	return &session.StartOutcome{
		ExternalID: res.ExternalID,
		Greeting:   res.Greeting,
		Plan:       res.Plan,
	}, nil
}

func (a engineAdapter) Exchange(ctx context.Context, se *models.Session, history []*models.Message, userContent string) (*session.ExchangeOutcome, error) {
	res, err := a.svc.Exchange(ctx, se, history, userContent)
	if err != nil {
		return nil, err
	}
	return &session.ExchangeOutcome{
		Reply:       res.Reply,
		Captured:    res.Captured,
		HasCaptured: res.HasCaptured,
	}, nil
}

func main() {
	cfgPath := os.Getenv("FLEETDIAG_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("FLEETDIAG_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: companies, users, trucks, projects, sessions...
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running without session cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	fleetService := fleet.NewService(db)

	provider := os.Getenv("FLEETDIAG_PROVIDER")
	if provider == "" {
		provider = "openai"
	}
	engineService, err := engine.NewService(provider, os.Getenv("FLEETDIAG_MODEL"), os.Getenv("FLEETDIAG_API_TOKEN"), cfg)
	if err != nil {
		log.Fatalf("init diagnostic engine: %v", err)
	}

	deps := session.Deps{
		Engine:   engineAdapter{svc: engineService},
		Store:    fleetService,
		Recorder: session.BufferRecorder{},
	}
	if cfg.Media.BaseURL != "" {
		mediaClient, err := media.NewClient(cfg)
		if err != nil {
			log.Fatalf("init media client: %v", err)
		}
		deps.Transcriber = mediaClient
		deps.Speaker = mediaClient
		deps.Analyzer = mediaClient
	} else {
		log.Printf("media backend not configured, voice and image features disabled")
	}

	workerManager := worker.NewManager(fleetService, deps, rdb)
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		workerManager,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	fleetService.StartAttachmentCleaner(cleanCtx, time.Duration(cfg.BasicConfig.AttachmentCleanEvery)*time.Minute)

	authService := auth.NewService(db, 24*time.Hour)
	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	fileTTL := time.Duration(cfg.BasicConfig.AttachmentTTL) * time.Minute
	if fileTTL <= 0 {
		fileTTL = fleet.DefaultAttachmentTTL
	}
	handlers := api.NewHandler(fleetService, authService, dispatcher, fileBase, fileTTL)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
