package worker

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetdiag/internal/config"
	"fleetdiag/internal/models"
	"fleetdiag/internal/service/fleet"
	"fleetdiag/internal/session"
	"fleetdiag/internal/storage"
)

func TestDispatcherStartAndExchange(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	defer env.db.Close()

	se, greeting, err := env.dispatcher.StartSession(StartRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		ProjectID: env.projectID,
		CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if se == nil || se.ID <= 0 {
		t.Fatalf("expected session, got %#v", se)
	}
	if greeting == nil || greeting.Content != "engine greeting" {
		t.Fatalf("greeting = %#v", greeting)
	}
	if se.ExternalID == "" {
		t.Fatalf("external id not recorded")
	}

	reply, err := env.dispatcher.SendMessage(ExchangeRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		SessionID: se.ID,
		Content:   "oil pressure is 18 psi",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.User.Status != models.MessageDelivered {
		t.Fatalf("user status = %s", reply.User.Status)
	}
	if !strings.Contains(reply.Assistant.Content, "oil pressure is 18 psi") {
		t.Fatalf("assistant reply = %q", reply.Assistant.Content)
	}

	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, se.ID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected greeting + user + assistant rows, got %d", count)
	}
}

func TestStartSessionRequiresFaultCodes(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	defer env.db.Close()

	bare, err := env.fleet.CreateProject(context.Background(), models.Project{
		CompanyID: env.companyID, TruckID: env.truckID, Title: "no codes", Complaint: "rattle",
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	_, _, err = env.dispatcher.StartSession(StartRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		ProjectID: bare.ID,
		CompanyID: env.companyID,
	})
	if err == nil || !strings.Contains(err.Error(), "fault codes") {
		t.Fatalf("StartSession without codes = %v", err)
	}
}

func TestManagerRebuildsMachineFromStorage(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	defer env.db.Close()

	se, _, err := env.dispatcher.StartSession(StartRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		ProjectID: env.projectID,
		CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Simulate this node losing the machine, e.g. a worker restart.
	env.manager.machines.Remove(se.ID)

	machine, err := env.dispatcher.Machine(context.Background(), env.userID, se.ID)
	if err != nil {
		t.Fatalf("Machine rebuild: %v", err)
	}
	if machine.State() != session.StateIdle {
		t.Fatalf("rebuilt state = %s", machine.State())
	}
	if len(machine.Messages()) != 1 {
		t.Fatalf("rebuilt history = %d messages", len(machine.Messages()))
	}

	// Another user can never reach the machine.
	if _, err := env.dispatcher.Machine(context.Background(), env.userID+1, se.ID); err == nil {
		t.Fatalf("foreign user reached the session machine")
	}
}

func TestPurgeDropsMachine(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	defer env.db.Close()

	se, _, err := env.dispatcher.StartSession(StartRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		ProjectID: env.projectID,
		CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, ok := env.manager.machines.Get(se.ID); !ok {
		t.Fatalf("machine not registered after start")
	}

	env.dispatcher.Purge(env.userID, se.ID)
	if _, ok := env.manager.machines.Get(se.ID); ok {
		t.Fatalf("machine survived purge")
	}
}

func TestCancelUserDropsOwnedMachines(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{})
	defer env.db.Close()

	se, _, err := env.dispatcher.StartSession(StartRequest{
		Context:   context.Background(),
		UserID:    env.userID,
		ProjectID: env.projectID,
		CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	env.dispatcher.CancelUser(env.userID)
	if _, ok := env.manager.machines.Get(se.ID); ok {
		t.Fatalf("machine survived CancelUser")
	}
	if env.manager.machines.Len() != 0 {
		t.Fatalf("registry not empty: %d", env.manager.machines.Len())
	}
}

func TestDispatcherAllowsOtherUsersWhileOneIsBlocked(t *testing.T) {
	eng := &fakeEngine{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
		slow:    "slow request",
	}
	env := newTestEnv(t, eng)
	defer env.db.Close()

	otherUser, otherProject := env.seedSecondUser(t)

	slowSession, _, err := env.dispatcher.StartSession(StartRequest{
		Context: context.Background(), UserID: env.userID, ProjectID: env.projectID, CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("slow session start: %v", err)
	}
	fastSession, _, err := env.dispatcher.StartSession(StartRequest{
		Context: context.Background(), UserID: otherUser, ProjectID: otherProject, CompanyID: env.companyID,
	})
	if err != nil {
		t.Fatalf("fast session start: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := env.dispatcher.SendMessage(ExchangeRequest{
			Context: context.Background(), UserID: env.userID, SessionID: slowSession.ID, Content: "slow request",
		})
		slowDone <- err
	}()

	select {
	case <-eng.started:
	case <-time.After(time.Second):
		t.Fatalf("slow exchange did not start")
	}

	fastDone := make(chan error, 1)
	go func() {
		_, err := env.dispatcher.SendMessage(ExchangeRequest{
			Context: context.Background(), UserID: otherUser, SessionID: fastSession.ID, Content: "quick question",
		})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast exchange error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fast exchange starved behind blocked user")
	}

	close(eng.block)
	select {
	case err := <-slowDone:
		if err != nil {
			t.Fatalf("slow exchange error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("slow exchange never finished")
	}
}

// --- helpers ---

type testEnv struct {
	db         *sql.DB
	fleet      *fleet.Service
	manager    *Manager
	dispatcher *Dispatcher
	companyID  int64
	truckID    int64
	projectID  int64
	userID     int64
}

func newTestEnv(t *testing.T, eng *fakeEngine) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	fleetSvc := fleet.NewService(db)
	ctx := context.Background()
	companyID, err := fleetSvc.EnsureCompany(ctx, "Test Fleet")
	if err != nil {
		t.Fatalf("seed company: %v", err)
	}
	user, err := fleetSvc.RegisterUser(ctx, "tech_one", "pw", models.RoleTechnician, companyID)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	truck, err := fleetSvc.CreateTruck(ctx, models.Truck{
		CompanyID: companyID, VIN: "TESTVIN0001", Year: 2020, Make: "Volvo", Model: "VNL",
	})
	if err != nil {
		t.Fatalf("seed truck: %v", err)
	}
	project, err := fleetSvc.CreateProject(ctx, models.Project{
		CompanyID: companyID, TruckID: truck.ID, Title: "derate", Complaint: "derates on grade",
		FaultCodes: []string{"SPN 3216 FMI 4"},
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}

	manager := NewManager(fleetSvc, session.Deps{Engine: eng, Store: fleetSvc}, nil)
	dispatcher := NewDispatcher(2, 3, 16, manager, time.Minute)

	return &testEnv{
		db:         db,
		fleet:      fleetSvc,
		manager:    manager,
		dispatcher: dispatcher,
		companyID:  companyID,
		truckID:    truck.ID,
		projectID:  project.ID,
		userID:     user.ID,
	}
}

func (e *testEnv) seedSecondUser(t *testing.T) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	user, err := e.fleet.RegisterUser(ctx, "tech_two", "pw", models.RoleTechnician, e.companyID)
	if err != nil {
		t.Fatalf("seed second user: %v", err)
	}
	project, err := e.fleet.CreateProject(ctx, models.Project{
		CompanyID: e.companyID, TruckID: e.truckID, Title: "misfire", Complaint: "misfire at idle",
		FaultCodes: []string{"SPN 1323 FMI 31"},
	})
	if err != nil {
		t.Fatalf("seed second project: %v", err)
	}
	return user.ID, project.ID
}

type fakeEngine struct {
	block   chan struct{}
	started chan struct{}
	slow    string
	once    sync.Once
}

func (e *fakeEngine) StartSession(ctx context.Context, truck *models.Truck, project *models.Project) (*session.StartOutcome, error) {
	return &session.StartOutcome{
		ExternalID: "ext-" + project.Title,
		Greeting:   "engine greeting",
		Plan:       models.DiagnosticPlan{Title: "plan", Steps: []string{"step one"}},
	}, nil
}

func (e *fakeEngine) Exchange(ctx context.Context, se *models.Session, history []*models.Message, userContent string) (*session.ExchangeOutcome, error) {
	if e.slow != "" && userContent == e.slow {
		e.once.Do(func() {
			if e.started != nil {
				close(e.started)
			}
		})
		<-e.block
	}
	return &session.ExchangeOutcome{Reply: "echo: " + userContent}, nil
}
