package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/ranking"
	"github.com/room4-2/voicetasks/tasks"
)

// ErrExecuting is the result sent when a call fails unexpectedly
const ErrExecuting = "Error executing tool"

// Dispatcher executes the model's function calls against the task store and
// keeps the undo history. Calls must not overlap; the session runs them on a
// single worker.
type Dispatcher struct {
	store     tasks.Store
	cache     *tasks.Cache
	ranker    ranking.Ranker
	history   *History
	validator *Validator
	log       pslog.Logger
}

// NewDispatcher wires a dispatcher. A nil ranker means keyword matching.
func NewDispatcher(store tasks.Store, cache *tasks.Cache, ranker ranking.Ranker, log pslog.Logger) (*Dispatcher, error) {
	validator, err := NewValidator(Declarations())
	if err != nil {
		return nil, err
	}
	if ranker == nil {
		ranker = ranking.KeywordRanker{}
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Dispatcher{
		store:     store,
		cache:     cache,
		ranker:    ranker,
		history:   NewHistory(HistoryLimit),
		validator: validator,
		log:       log,
	}, nil
}

// History exposes the undo stack
func (d *Dispatcher) History() *History {
	return d.history
}

// Dispatch runs one call and returns the text for the model. It never fails:
// argument, store and unexpected errors all become result text.
func (d *Dispatcher) Dispatch(ctx context.Context, call messages.FunctionCall) (result string) {
	log := d.log.With("call_id", call.CallID, "tool", call.Name)
	log.Info("function call")

	defer func() {
		if r := recover(); r != nil {
			log.Error("function call panicked", "panic", r)
			result = ErrExecuting
		}
	}()

	switch call.Name {
	case CreateTask:
		result = d.createTask(ctx, log, call)
	case DeleteTask:
		result = d.deleteTask(ctx, log, call)
	case ListTasks:
		result = d.listTasks(ctx)
	case DeleteAllTasks:
		result = d.deleteAllTasks(ctx)
	case GetTaskDigest:
		result = d.taskDigest()
	case SemanticSearch:
		result = d.semanticSearch(ctx, call)
	case Undo:
		result = d.undo(ctx, log)
	default:
		log.Warn("unknown function called")
		result = fmt.Sprintf("Unknown function: %s", call.Name)
	}

	log.Debug("function result", "result", result)
	return result
}

func (d *Dispatcher) createTask(ctx context.Context, log pslog.Logger, call messages.FunctionCall) string {
	var args createTaskArgs
	if err := d.validator.Decode(call.Name, call.Arguments, &args); err != nil {
		return errorResult(err)
	}
	task, err := d.store.Create(ctx, tasks.Fields{
		Title:       args.Title,
		Description: args.Description,
		Status:      tasks.StatusPending,
		Priority:    tasks.Priority(args.Priority),
		Tags:        args.Tags,
	})
	if err != nil {
		log.Warn("create task failed", "err", err)
		return errorResult(err)
	}
	d.history.Push(HistoryEntry{Kind: EntryCreate, Task: task})
	d.refresh(ctx)
	return fmt.Sprintf("Created task with ID %s", task.ID)
}

func (d *Dispatcher) deleteTask(ctx context.Context, log pslog.Logger, call messages.FunctionCall) string {
	var args deleteTaskArgs
	if err := d.validator.Decode(call.Name, call.Arguments, &args); err != nil {
		return errorResult(err)
	}
	snapshot, cached := d.cache.Find(args.ID)
	if err := d.store.Delete(ctx, args.ID); err != nil {
		log.Warn("delete task failed", "id", args.ID, "err", err)
		if errors.Is(err, tasks.ErrNotFound) {
			return fmt.Sprintf("Error: task %s not found", args.ID)
		}
		return errorResult(err)
	}
	if cached {
		d.history.Push(HistoryEntry{Kind: EntryDelete, Task: snapshot})
	} else {
		log.Warn("deleted task was not cached, it cannot be restored", "id", args.ID)
	}
	d.refresh(ctx)
	return "Task deleted successfully"
}

func (d *Dispatcher) listTasks(ctx context.Context) string {
	list, err := d.store.List(ctx, tasks.Filter{})
	if err != nil {
		return errorResult(err)
	}
	d.cache.Replace(list)
	if len(list) == 0 {
		return "You have no tasks."
	}
	return fmt.Sprintf("You have %d tasks:\n%s", len(list), taskLines(list))
}

// deleteAllTasks reports the store's count, falling back to the cached
// count when the store does not return one
func (d *Dispatcher) deleteAllTasks(ctx context.Context) string {
	cached, loaded := d.cache.Len(), d.cache.Loaded()
	n, err := d.store.DeleteAll(ctx)
	if err != nil {
		return errorResult(err)
	}
	d.cache.Clear()
	if n < 0 && loaded {
		n = cached
	}
	if n < 0 {
		return "All tasks have been successfully deleted."
	}
	return fmt.Sprintf("All %d tasks have been successfully deleted.", n)
}

// taskDigest reads the cache only
func (d *Dispatcher) taskDigest() string {
	var active, done, high int
	for _, t := range d.cache.Snapshot() {
		if t.Status == tasks.StatusDone {
			done++
			continue
		}
		active++
		if t.Priority == tasks.PriorityHigh {
			high++
		}
	}
	return fmt.Sprintf("User has %d active tasks and %d completed tasks. %d tasks are marked as HIGH priority. What would you like to know more about?", active, done, high)
}

func (d *Dispatcher) semanticSearch(ctx context.Context, call messages.FunctionCall) string {
	var args semanticSearchArgs
	if err := d.validator.Decode(call.Name, call.Arguments, &args); err != nil {
		return errorResult(err)
	}
	candidates := d.cache.Snapshot()
	if !d.cache.Loaded() {
		list, err := d.store.List(ctx, tasks.Filter{})
		if err != nil {
			return errorResult(err)
		}
		d.cache.Replace(list)
		candidates = list
	}
	matches, err := d.ranker.Rank(ctx, args.Query, candidates)
	if err != nil {
		return errorResult(err)
	}
	if len(matches) == 0 {
		return "I couldn't find any tasks matching that description."
	}
	return fmt.Sprintf("I found %d relevant tasks:\n%s", len(matches), taskLines(matches))
}

func (d *Dispatcher) undo(ctx context.Context, log pslog.Logger) string {
	entry, ok := d.history.Pop()
	if !ok {
		return "There's nothing to undo."
	}

	var result string
	switch entry.Kind {
	case EntryCreate:
		err := d.store.Delete(ctx, entry.Task.ID)
		if err != nil && !errors.Is(err, tasks.ErrNotFound) {
			log.Warn("undo create failed", "id", entry.Task.ID, "err", err)
			d.history.Push(entry)
			return errorResult(err)
		}
		result = fmt.Sprintf(`Undid creation of "%s".`, entry.Task.Title)
	case EntryDelete:
		if _, err := d.store.Create(ctx, entry.Task.Fields()); err != nil {
			log.Warn("undo delete failed", "title", entry.Task.Title, "err", err)
			d.history.Push(entry)
			return errorResult(err)
		}
		result = fmt.Sprintf(`Restored task "%s".`, entry.Task.Title)
	default:
		return ErrExecuting
	}
	d.refresh(ctx)
	return result
}

// refresh reloads the cache after a mutation; failures keep the stale list
func (d *Dispatcher) refresh(ctx context.Context) {
	list, err := d.store.List(ctx, tasks.Filter{})
	if err != nil {
		d.log.Warn("task cache refresh failed", "err", err)
		return
	}
	d.cache.Replace(list)
}

func taskLines(list []tasks.Task) string {
	lines := make([]string, len(list))
	for i, t := range list {
		lines[i] = fmt.Sprintf("ID: %s - Title: %s (%s)", t.ID, t.Title, t.Status)
	}
	return strings.Join(lines, "\n")
}

func errorResult(err error) string {
	var se *tasks.StatusError
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return "Error: Task not found"
	case errors.As(err, &se):
		return "Error: " + se.Message
	default:
		return "Error: " + err.Error()
	}
}
