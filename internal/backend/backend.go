// Package backend is the request processor of the RPC service. It routes
// each decoded request by its action to the registration, progress or
// completion handler and reconciles the agent registry with the inventory
// on startup.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/registry"
	"github.com/3cpo-dev/gaxx-rpc/internal/store"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
	"github.com/3cpo-dev/gaxx-rpc/internal/transport"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// Reply texts of the registration handler.
const (
	RegistrationSuccessful = "Registration successful"
	InvalidRequest         = "Invalid request"
)

// Inventory persists agent identity records.
type Inventory interface {
	QueryActive(ctx context.Context) ([]store.InventoryRecord, error)
	UpdateOne(ctx context.Context, mercuryID string, patch store.Patch) error
}

// TaskStore receives progress and completion reports.
type TaskStore interface {
	UpdateTaskProgress(ctx context.Context, taskID string, update api.TaskUpdate) error
	CompleteTask(ctx context.Context, jobID, taskID string, report api.TaskReturn) error
}

// HandlerFunc handles one action.
type HandlerFunc func(ctx context.Context, msg codec.Message) (any, error)

// Backend implements transport.Processor.
type Backend struct {
	registry  *registry.Registry
	inventory Inventory
	tasks     TaskStore
	handlers  map[string]HandlerFunc
	logger    zerolog.Logger
}

var _ transport.Processor = (*Backend)(nil)

func New(reg *registry.Registry, inventory Inventory, tasks TaskStore) *Backend {
	b := &Backend{
		registry:  reg,
		inventory: inventory,
		tasks:     tasks,
		handlers:  make(map[string]HandlerFunc),
		logger:    log.With().Str("component", "backend").Logger(),
	}
	b.Handle(api.ActionRegister, b.register)
	b.Handle(api.ActionTaskUpdate, b.taskUpdate)
	b.Handle(api.ActionTaskReturn, b.taskReturn)
	return b
}

// Handle registers a handler for action. It panics on a duplicate.
func (b *Backend) Handle(action string, handler HandlerFunc) {
	if _, exists := b.handlers[action]; exists {
		panic(fmt.Sprintf("backend: duplicate handler for action %q", action))
	}
	b.handlers[action] = handler
}

// Process routes msg by its action field. A missing or unknown action is
// answered with an error reply, not an error.
func (b *Backend) Process(ctx context.Context, msg codec.Message) (any, error) {
	action, _ := msg.String("action")
	handler, ok := b.handlers[action]
	if !ok {
		b.logger.Warn().Err(&transport.UnknownActionError{Action: action}).Msg("Rejecting request")
		return transport.ErrorReply(transport.UnknownActionMessage), nil
	}
	return handler(ctx, msg)
}

func (b *Backend) register(ctx context.Context, msg codec.Message) (any, error) {
	section, _ := msg.Section("client_info")
	info, err := parseClientInfo(section)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Invalid registration")
		return transport.ErrorReply(InvalidRequest), nil
	}

	if err := b.inventory.UpdateOne(ctx, info.MercuryID, store.Patch{Active: section}); err != nil {
		return nil, fmt.Errorf("persist registration of %s: %w", info.MercuryID, err)
	}
	entry := b.activate(info)
	b.logger.Info().
		Str("mercury_id", entry.MercuryID).
		Str("rpc_address", entry.RPCAddress).
		Int("rpc_port", entry.RPCPort).
		Msg("Registered agent")
	return transport.SuccessReply(RegistrationSuccessful), nil
}

// activate loads an identity record into the registry.
func (b *Backend) activate(info api.ClientInfo) registry.Entry {
	entry := b.registry.Put(registry.EntryFromClientInfo(info))
	telemetry.GaugeGlobal("gaxx_rpc_active_agents", float64(b.registry.Len()), nil)
	return entry
}

func parseClientInfo(section codec.Message) (api.ClientInfo, error) {
	var info api.ClientInfo
	if section == nil {
		return info, &transport.ValidationError{Section: "client_info", Fields: []string{"client_info"}}
	}
	if missing := section.Missing(api.ClientInfoFields...); len(missing) > 0 {
		return info, &transport.ValidationError{Section: "client_info", Fields: missing}
	}
	if err := codec.Convert(section, &info); err != nil {
		return info, &transport.ValidationError{Section: "client_info", Reason: err.Error()}
	}
	if info.MercuryID == "" {
		return info, &transport.ValidationError{Section: "client_info", Reason: "empty mercury_id"}
	}
	return info, nil
}

func (b *Backend) taskUpdate(ctx context.Context, msg codec.Message) (any, error) {
	data, ok := msg.Section("update_data")
	if !ok {
		return nil, &transport.ValidationError{Section: "request", Fields: []string{"update_data"}}
	}
	if missing := data.Missing("task_id"); len(missing) > 0 {
		return nil, &transport.ValidationError{Section: "update_data", Fields: missing}
	}
	var update api.TaskUpdate
	if err := codec.Convert(data, &update); err != nil {
		return nil, &transport.ValidationError{Section: "update_data", Reason: err.Error()}
	}
	if update.Progress != nil && (*update.Progress < 0 || *update.Progress > 1) {
		return nil, &transport.ValidationError{Section: "update_data", Reason: "progress must lie between 0 and 1"}
	}

	b.logger.Debug().Str("task_id", update.TaskID).Str("status", update.Action).Msg("Task update")
	if err := b.tasks.UpdateTaskProgress(ctx, update.TaskID, update); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("update task %s: %w", update.TaskID, err)
		}
		b.logger.Warn().Str("task_id", update.TaskID).Msg("Progress reported for unknown task")
	}
	return transport.AcceptedReply(), nil
}

// returnFields must all be present in a completion report, null or not.
var returnFields = []string{"job_id", "task_id", "status", "message", "traceback_info"}

func (b *Backend) taskReturn(ctx context.Context, msg codec.Message) (any, error) {
	data, ok := msg.Section("return_data")
	if !ok {
		return nil, &transport.ValidationError{Section: "request", Fields: []string{"return_data"}}
	}
	if missing := data.Missing(returnFields...); len(missing) > 0 {
		return nil, &transport.ValidationError{Section: "return_data", Fields: missing}
	}
	var report api.TaskReturn
	if err := codec.Convert(data, &report); err != nil {
		return nil, &transport.ValidationError{Section: "return_data", Reason: err.Error()}
	}
	if !report.Status.Valid() {
		return nil, &transport.ValidationError{Section: "return_data", Reason: fmt.Sprintf("unknown status %q", report.Status)}
	}

	b.logger.Info().
		Str("job_id", report.JobID).
		Str("task_id", report.TaskID).
		Str("status", string(report.Status)).
		Msg("Task returned")
	if err := b.tasks.CompleteTask(ctx, report.JobID, report.TaskID, report); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("complete task %s: %w", report.TaskID, err)
		}
		b.logger.Warn().Str("job_id", report.JobID).Str("task_id", report.TaskID).Msg("Completion reported for unknown task")
	}
	return transport.AcceptedReply(), nil
}

// Reacquire loads every agent flagged active in the inventory into the
// registry. Records that no longer hold a valid identity record have their
// flag cleared instead. It returns the number of agents loaded.
func (b *Backend) Reacquire(ctx context.Context) (int, error) {
	records, err := b.inventory.QueryActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("query active agents: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		info, err := parseClientInfo(codec.Message(rec.Active))
		if err != nil {
			b.logger.Error().Err(err).Str("mercury_id", rec.MercuryID).Msg("Found junk in inventory record, expunging")
			if err := b.inventory.UpdateOne(ctx, rec.MercuryID, store.Patch{}); err != nil {
				b.logger.Error().Err(err).Str("mercury_id", rec.MercuryID).Msg("Failed to clear active flag")
			}
			continue
		}
		b.activate(info)
		loaded++
	}
	b.logger.Info().Int("agents", loaded).Msg("Reacquired active agents")
	return loaded, nil
}
