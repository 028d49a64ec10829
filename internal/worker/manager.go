package worker

import (
	"context"
	"errors"
	"fmt"

	"fleetdiag/internal/models"
	"fleetdiag/internal/redis"
	"fleetdiag/internal/service/fleet"
	"fleetdiag/internal/session"
)

// Manager executes diagnostic jobs against session machines. It owns the
// machine registry and the redis snapshot cache; workers call into it, never
// the other way around.
type Manager struct {
	fleet    *fleet.Service
	deps     session.Deps
	machines *session.Manager
	cache    *stateCache
}

func NewManager(fleetSvc *fleet.Service, deps session.Deps, cacheClient *redis.Client) *Manager {
	m := &Manager{
		fleet:    fleetSvc,
		deps:     deps,
		machines: session.NewManager(),
		cache:    newStateCache(cacheClient),
	}
	// Drop local machines when another node rewrites a session or a user
	// logs out everywhere.
	m.cache.startListener(func(inv invalidateMessage) {
		switch {
		case inv.Scope == scopeUser && inv.UserID > 0:
			m.machines.RemoveOwned(inv.UserID)
		case inv.SessionID > 0:
			m.machines.Remove(inv.SessionID)
		}
	})
	return m
}

func (m *Manager) handleInit(task *initTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	start := func() (*models.Session, *models.Message, error) {
		project, err := m.fleet.GetProject(ctx, req.ProjectID, req.CompanyID)
		if err != nil {
			return nil, nil, fmt.Errorf("load project: %w", err)
		}
		if len(project.FaultCodes) == 0 {
			return nil, nil, errors.New("project has no fault codes; record them before starting a diagnostic")
		}
		truck, err := m.fleet.GetTruck(ctx, project.TruckID, req.CompanyID)
		if err != nil {
			return nil, nil, fmt.Errorf("load truck: %w", err)
		}

		se, err := m.fleet.CreateSession(ctx, models.Session{
			ProjectID: project.ID,
			UserID:    req.UserID,
		})
		if err != nil {
			return nil, nil, err
		}

		machine, err := session.NewMachine(se, truck, project, nil, nil, m.deps)
		if err != nil {
			return nil, nil, err
		}
		greeting, err := machine.Start(ctx)
		if err != nil {
			return nil, nil, err
		}
		m.machines.Put(se.ID, machine)
		m.cache.cacheSession(se, machine.Messages())
		return se, greeting, nil
	}

	se, greeting, err := start()
	task.resultCh <- workerReturn{session: se, greeting: greeting, err: err}
}

func (m *Manager) handleExchange(task *exchangeTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	machine, err := m.ensureMachine(ctx, req.UserID, req.SessionID)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	reply, err := machine.Send(ctx, req.Content)
	if err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}

	se := machine.Session()
	m.cache.cacheSession(&se, machine.Messages())
	task.resultCh <- workerReturn{reply: reply}
}

// Machine returns the live machine for a session, rebuilding it from
// storage when this node has never seen the session or dropped it.
func (m *Manager) Machine(ctx context.Context, userID, sessionID int64) (*session.Machine, error) {
	return m.ensureMachine(ctx, userID, sessionID)
}

func (m *Manager) ensureMachine(ctx context.Context, userID, sessionID int64) (*session.Machine, error) {
	if machine, ok := m.machines.Get(sessionID); ok {
		if machine.Session().UserID != userID {
			return nil, errors.New("session not found")
		}
		return machine, nil
	}

	se, history, ok := m.cache.loadSession(userID, sessionID)
	if !ok {
		var err error
		se, history, err = m.fleet.GetSessionWithMessages(ctx, userID, sessionID)
		if err != nil {
			return nil, err
		}
	}
	project, err := m.fleet.GetProject(ctx, se.ProjectID, 0)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	truck, err := m.fleet.GetTruck(ctx, project.TruckID, 0)
	if err != nil {
		return nil, fmt.Errorf("load truck: %w", err)
	}
	prior, err := m.fleet.ListFeedback(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}

	machine, err := session.NewMachine(se, truck, project, history, prior, m.deps)
	if err != nil {
		return nil, err
	}
	m.machines.Put(sessionID, machine)
	m.cache.cacheSession(se, history)
	return machine, nil
}

// Purge drops a session's machine and cached snapshot everywhere.
func (m *Manager) Purge(userID, sessionID int64) {
	m.machines.Remove(sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// PurgeUser drops every machine a user owns on all nodes. Called on logout
// and account deletion.
func (m *Manager) PurgeUser(userID int64) {
	m.machines.RemoveOwned(userID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}
