package worker

import (
	"context"

	"fleetdiag/internal/models"
	"fleetdiag/internal/session"
)

type JobType int

const (
	Init JobType = iota
	Exchange
	Stop
)

// StartRequest asks for a new diagnostic session on a work order.
type StartRequest struct {
	Context   context.Context
	UserID    int64
	ProjectID int64
	CompanyID int64
}

// ExchangeRequest carries one user message into an existing session.
type ExchangeRequest struct {
	Context   context.Context
	UserID    int64
	SessionID int64
	Content   string
}

type workerReturn struct {
	session  *models.Session
	greeting *models.Message
	reply    *session.ExchangeReply
	err      error
}

type initTask struct {
	req      StartRequest
	resultCh chan workerReturn
}

type exchangeTask struct {
	req      ExchangeRequest
	resultCh chan workerReturn
}

type Job struct {
	Type         JobType
	InitTask     *initTask
	ExchangeTask *exchangeTask
}

func (job Job) userID() int64 {
	switch job.Type {
	case Init:
		return job.InitTask.req.UserID
	case Exchange:
		return job.ExchangeTask.req.UserID
	default:
		return 0
	}
}
