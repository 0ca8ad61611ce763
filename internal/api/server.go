// Package api exposes the scheduling core over HTTP: task CRUD-ish routes,
// scheduled-task management, and status/worker introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/store"
	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

type Server struct {
	r   *chi.Mux
	svc *dispatch.Service
	log logx.Logger
}

func NewServer(svc *dispatch.Service, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, svc: svc, log: log}

	r.Get("/health", s.health)
	r.Get("/api/status", s.status)
	r.Get("/api/workers", s.workers)
	r.Get("/api/kinds", s.kinds)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/pause", s.pauseTask)
	r.Post("/api/tasks/{id}/resume", s.resumeTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)

	r.Post("/api/scheduled-tasks", s.createScheduled)
	r.Post("/api/scheduled-tasks/daily", s.createDaily)
	r.Get("/api/scheduled-tasks", s.listScheduled)
	r.Get("/api/scheduled-tasks/{id}", s.getScheduled)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Workers())
}

func (s *Server) kinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Kinds())
}

type createTaskReq struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Kind         string       `json:"kind"`
	Payload      task.Payload `json:"payload"`
	Priority     string       `json:"priority"`
	MaxRetries   int          `json:"max_retries"`
	ScheduledFor string       `json:"scheduled_for"` // RFC3339, optional
	Dependencies []string     `json:"dependencies"`
}

func (req *createTaskReq) toSpec() (task.Task, error) {
	spec := task.Task{
		Name:         req.Name,
		Description:  req.Description,
		Kind:         task.Kind(req.Kind),
		Payload:      req.Payload,
		Priority:     task.Priority(req.Priority),
		MaxRetries:   req.MaxRetries,
		Dependencies: req.Dependencies,
	}
	if req.ScheduledFor != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			return task.Task{}, errors.New("scheduled_for must be RFC3339")
		}
		spec.ScheduledFor = &at
	}
	return spec, nil
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.CreateTask(r.Context(), spec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if t, ok := s.svc.GetTask(id); ok {
		writeJSON(w, http.StatusOK, t)
		return
	}
	if st, ok := s.svc.GetScheduledTask(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.PauseTask)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.ResumeTask)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.CancelTask)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) bool) {
	id := chi.URLParam(r, "id")
	if !fn(r.Context(), id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": true})
}

type scheduleReq struct {
	Frequency  string `json:"frequency"`
	Interval   int    `json:"interval"`
	StartDate  string `json:"start_date"` // RFC3339
	EndDate    string `json:"end_date"`   // RFC3339, optional
	TimeOfDay  string `json:"time_of_day"`
	DaysOfWeek []int  `json:"days_of_week"`
	DayOfMonth int    `json:"day_of_month"`
	Timezone   string `json:"timezone"`
	CronExpr   string `json:"cron_expr"`
}

func (req *scheduleReq) toSchedule(now time.Time) (task.Schedule, error) {
	sched := task.Schedule{
		Frequency:  task.Frequency(req.Frequency),
		Interval:   req.Interval,
		TimeOfDay:  req.TimeOfDay,
		DaysOfWeek: req.DaysOfWeek,
		DayOfMonth: req.DayOfMonth,
		Timezone:   req.Timezone,
		CronExpr:   req.CronExpr,
	}
	if req.StartDate == "" {
		sched.StartDate = now
	} else {
		start, err := time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			return task.Schedule{}, errors.New("start_date must be RFC3339")
		}
		sched.StartDate = start
	}
	if req.EndDate != "" {
		end, err := time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			return task.Schedule{}, errors.New("end_date must be RFC3339")
		}
		sched.EndDate = &end
	}
	return sched, nil
}

type createScheduledReq struct {
	createTaskReq
	Schedule scheduleReq `json:"schedule"`
}

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request) {
	var req createScheduledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sched, err := req.Schedule.toSchedule(time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.CreateScheduledTask(r.Context(), spec, sched)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

type createDailyReq struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Kind        string              `json:"kind"`
	Payload     task.Payload        `json:"payload"`
	Duration    store.DailyDuration `json:"duration"`
	TimeOfDay   string              `json:"time_of_day"`
	Options     store.DailyOptions  `json:"options"`
}

func (s *Server) createDaily(w http.ResponseWriter, r *http.Request) {
	var req createDailyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.svc.CreateDailyTask(r.Context(), req.Name, req.Description,
		task.Kind(req.Kind), req.Payload, req.Duration, req.TimeOfDay, req.Options)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ScheduledTasks())
}

func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.svc.GetScheduledTask(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
