// Package runner executes benchmark tasks one at a time in the background.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"annbench/api/benchapi"

	log "github.com/sirupsen/logrus"
)

type Task struct {
	Name benchapi.TaskName
	Task func(context.Context) (any, error)
}

type Runner struct {
	// Health checks the configured backend while no task is active. Nil
	// reports idle.
	Health func(context.Context) error

	ch    chan any
	chRet chan any
}

func New(health func(context.Context) error) *Runner {
	return &Runner{
		Health: health,
		ch:     make(chan any, 1),
		chRet:  make(chan any),
	}
}

// Run serves commands until ctx is cancelled. The active task is cancelled
// and joined before Run returns.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	var activeTask func(context.Context) (any, error)
	var taskCh chan benchapi.Result[any]
	var cancelTask context.CancelFunc
	var lastName benchapi.TaskName
	var lastResult *benchapi.Result[any]

	defer func() {
		if cancelTask != nil {
			cancelTask()
		}
		wg.Wait()
	}()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case result := <-taskCh:
			lastResult = &result
			if cancelTask != nil {
				cancelTask()
			}
			cancelTask = nil
			activeTask = nil
			taskCh = nil

			entry := log.WithField("task", lastName)
			if result.Error != nil {
				entry = entry.WithError(result.Error)
			}
			entry.Info("task finished, runner is idle")

		case cmd := <-r.ch:
			switch cmd := cmd.(type) {
			case statusCommand:
				code := benchapi.StatusIdle
				if activeTask != nil {
					code = benchapi.StatusBusy
				}

				r.chRet <- benchapi.APIWorkerStatus{
					Code: code,
					Task: lastName,
					Last: lastResult,
				}
			case stopCommand:
				if cancelTask != nil {
					cancelTask()
				}
				r.chRet <- nil
			case healthCommand:
				if activeTask != nil {
					// active tasks report their own errors
					r.chRet <- healthResponse{StatusCode: benchapi.StatusBusy}
					continue
				}

				status := benchapi.StatusIdle
				var err error
				if r.Health != nil {
					err = r.Health(ctx)
				}
				if err != nil {
					status = benchapi.StatusDisconnected
				}
				r.chRet <- healthResponse{StatusCode: status, Error: err}

			case Task:
				if activeTask != nil {
					r.chRet <- benchapi.ErrorBusy(fmt.Errorf("runner is busy with %q", lastName))
					continue
				}

				lastResult = nil
				lastName = cmd.Name
				activeTask = cmd.Task
				ch := make(chan benchapi.Result[any], 1)
				taskCh = ch
				r.chRet <- nil

				taskCtx, cancel := context.WithCancel(ctx)
				cancelTask = cancel

				log.WithField("task", lastName).Info("starting task, runner is busy")

				wg.Add(1)
				go func() {
					defer wg.Done()

					v, err := func() (v any, err error) {
						defer recoverError(&err)
						return cmd.Task(taskCtx)
					}()
					ch <- benchapi.Result[any]{Value: v, Error: err}
				}()
			}
		}
	}
}

func (r *Runner) Healthcheck(ctx context.Context) (benchapi.StatusCode, error) {
	select {
	case r.ch <- healthCommand{}:
		resp := castNotNil[healthResponse](<-r.chRet)
		return resp.StatusCode, resp.Error
	case <-ctx.Done():
		return benchapi.StatusDisconnected, ctx.Err()
	}
}

func (r *Runner) Status(ctx context.Context) (status benchapi.APIWorkerStatus) {
	select {
	case r.ch <- statusCommand{}:
		return castNotNil[benchapi.APIWorkerStatus](<-r.chRet)
	case <-ctx.Done():
		status.Code = benchapi.StatusDisconnected
		return status
	}
}

func (r *Runner) CancelActive(ctx context.Context) error {
	select {
	case r.ch <- stopCommand{}:
		return castNotNil[error](<-r.chRet)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit starts t unless another task is active.
func (r *Runner) Submit(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Task == nil {
		return errors.New("task has no function")
	}

	select {
	case r.ch <- t:
		return castNotNil[error](<-r.chRet)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type (
	stopCommand    struct{}
	statusCommand  struct{}
	healthCommand  struct{}
	healthResponse struct {
		StatusCode benchapi.StatusCode
		Error      error
	}
)

func castNotNil[T any](v any) (zero T) {
	if v == nil {
		return zero
	}
	ret, ok := v.(T)
	if !ok {
		panic(fmt.Errorf("unexpected type %T, expected %T", v, zero))
	}
	return ret
}

func recoverError(err *error) {
	if r := recover(); r != nil {
		log.Errorf("runner: recovered from panic: %v\n%s", r, debug.Stack())

		if *err == nil {
			if e, ok := r.(error); ok {
				*err = e
			} else {
				*err = fmt.Errorf("%v", r)
			}
		}
	}
}
