package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"retrace/internal/activity"
	"retrace/internal/artifact"
	"retrace/internal/config"
	"retrace/internal/grouper"
	"retrace/internal/habits"
	"retrace/internal/ipc"
	"retrace/internal/pipeline"
	"retrace/internal/projects"
	"retrace/internal/provider"
	"retrace/internal/query"
	"retrace/internal/spool"
	"retrace/internal/storage"
	"retrace/internal/suggest"
	"retrace/internal/summary"

	sqlitestore "retrace/internal/storage/sqlite"
)

// commandTimeout bounds the work behind a single socket command.
const commandTimeout = 30 * time.Second

// App owns the daemon lifecycle: the store, the distillation pipeline, the
// schedulers around it and the unix socket that serves commands.
type App struct {
	cfg   *config.Config
	store storage.Store

	notifier  *pipeline.Notifier
	grouping  *grouper.Grouper
	engine    *suggest.Engine
	detector  *habits.Detector
	pipe      *pipeline.Pipeline
	facade    *query.Facade
	watchdog  *suggest.Watchdog
	scheduler *pipeline.Scheduler
	spooler   *spool.Watcher
	cfgWatch  *config.Watcher

	providers *provider.Registry
	analyzer  provider.Analyzer

	// --- Socket Handling ---
	socketPath string
	listener   *net.UnixListener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = ipc.SocketPath
	}

	a := &App{
		cfg:        cfg,
		socketPath: socketPath,
		ctx:        ctx,
		cancel:     cancel,
	}

	// Initialize Storage
	a.store = sqlitestore.NewStore(cfg.DatabasePath)
	if err := a.store.Init(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Pipeline components. The notifier fans session/habit/summary events
	// out in-process; the pipeline itself subscribes for suggestion checks.
	artifacts := artifact.NewWriter(cfg.ArtifactsDir())
	a.notifier = pipeline.NewNotifier()
	a.grouping = grouper.New(a.store, grouperSettings(cfg.Grouper), artifacts, nil)
	a.engine = suggest.NewEngine(a.store, suggestSettings(cfg.Suggest))
	a.detector = habits.NewDetector(a.store, habits.DefaultConfig(), artifacts, func(h *activity.Habit) {
		a.notifier.Publish(pipeline.Event{Kind: pipeline.EventHabitUpdated, At: time.Now(), Payload: h})
	})
	a.pipe = pipeline.New(a.store, a.grouping, projects.NewExtractor(a.store), a.engine,
		a.detector, summary.NewGenerator(a.store, summary.DefaultConfig(), artifacts),
		a.notifier, pipeline.DefaultConfig())

	facade, err := query.NewFacade(a.store, a.pipe, a.engine)
	if err != nil {
		a.store.Close()
		cancel()
		return nil, fmt.Errorf("failed to create query facade: %w", err)
	}
	a.facade = facade

	a.watchdog = suggest.NewWatchdog(a.engine, a.pipe.LastIngest)

	// Ingest adapters: socket and spool both run payloads through the same
	// registered analyzer.
	a.providers = provider.NewRegistry()
	if err := a.providers.Register(provider.PayloadAnalyzer{}); err != nil {
		a.store.Close()
		cancel()
		return nil, fmt.Errorf("failed to register payload analyzer: %w", err)
	}
	a.analyzer, _ = a.providers.Get("payload")

	scheduler, err := pipeline.NewScheduler(
		pipeline.Job{Name: "habit-detection", Expr: cfg.Schedule.Detection, Run: a.detectionJob},
		pipeline.Job{Name: "daily-summary", Expr: cfg.Schedule.DailySummary, Run: a.summaryJob(activity.SummaryDaily)},
		pipeline.Job{Name: "weekly-summary", Expr: cfg.Schedule.WeeklySummary, Run: a.summaryJob(activity.SummaryWeekly)},
		pipeline.Job{Name: "monthly-summary", Expr: cfg.Schedule.MonthlySummary, Run: a.summaryJob(activity.SummaryMonthly)},
	)
	if err != nil {
		a.store.Close()
		cancel()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.scheduler = scheduler

	// The spool and the config watcher are conveniences; the daemon runs
	// without either.
	spooler, err := spool.New(cfg.SpoolDir, a.analyzer, a.pipe)
	if err != nil {
		log.Printf("Warning: failed to initialize spool watcher for %s: %v. Directory intake disabled.", cfg.SpoolDir, err)
	} else {
		a.spooler = spooler
	}

	if path := config.FileUsed(); path != "" {
		cfgWatch, err := config.NewWatcher(path)
		if err != nil {
			log.Printf("Warning: failed to initialize config watcher: %v. Hot reload disabled.", err)
		} else {
			cfgWatch.OnChange(a.applyConfig)
			a.cfgWatch = cfgWatch
		}
	}

	return a, nil
}

// grouperSettings maps the file-level grouping section onto the grouper's
// runtime tunables.
func grouperSettings(g config.GrouperConfig) grouper.Config {
	return grouper.Config{
		MergeThreshold:     g.MergeThreshold,
		MaxIdleGap:         g.MaxIdleGap(),
		WeightContinuation: g.WeightContinuation,
		WeightAppMatch:     g.WeightAppMatch,
		WeightTagOverlap:   g.WeightTagOverlap,
	}
}

// suggestSettings maps the file-level suggestion section onto the engine's
// runtime tunables, keeping defaults for the knobs the file does not carry.
func suggestSettings(s config.SuggestConfig) suggest.Config {
	cfg := suggest.DefaultConfig()
	cfg.MinHabitConfidence = s.MinHabitConfidence
	cfg.Cooldown = s.Cooldown()
	cfg.IdleThreshold = s.IdleThreshold()
	cfg.PendingTimeout = s.PendingTimeout()
	cfg.MaxPerHour = float64(s.MaxPerHour)
	cfg.Burst = s.Burst
	return cfg
}

// applyConfig pushes a freshly reloaded config into the running components.
// Paths and cron schedules stay fixed until restart.
func (a *App) applyConfig(next *config.Config) {
	a.grouping.SetConfig(grouperSettings(next.Grouper))
	a.engine.SetConfig(suggestSettings(next.Suggest))
	log.Println("Config reloaded: grouping and suggestion tunables applied. Path and schedule changes need a restart.")
}

func (a *App) detectionJob(ctx context.Context) error {
	updated, err := a.pipe.RunDetection(ctx)
	if err != nil {
		return err
	}
	log.Printf("Scheduled habit detection updated %d habit(s).", updated)
	return nil
}

// summaryJob builds the overnight run for one summary kind. The anchor is
// pushed back a day so the run covers the period that just ended.
func (a *App) summaryJob(kind activity.SummaryKind) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		anchor := time.Now().AddDate(0, 0, -1)
		sum, err := a.pipe.RunSummary(ctx, kind, anchor)
		if err != nil {
			return err
		}
		if sum.Insufficient {
			log.Printf("Scheduled %s summary for %s: insufficient activity.", kind, sum.DateStart.Format("2006-01-02"))
		} else {
			log.Printf("Scheduled %s summary for %s written.", kind, sum.DateStart.Format("2006-01-02"))
		}
		return nil
	}
}

// setupSocket checks for existing socket and creates the listener
func (a *App) setupSocket() error {
	// Check if socket file exists and try connecting
	if _, err := os.Stat(a.socketPath); err == nil {
		// Socket file exists, try to connect
		conn, err := net.DialTimeout("unix", a.socketPath, 1*time.Second)
		if err == nil {
			// Connection successful - another instance is likely running
			conn.Close()
			return fmt.Errorf("socket %s already active, another instance might be running", a.socketPath)
		}
		// Connection failed - socket file is stale, remove it
		log.Printf("Stale socket file found at %s, removing.", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", a.socketPath, err)
		}
	} else if !os.IsNotExist(err) {
		// Other error stating the file (permission denied?)
		return fmt.Errorf("error checking socket file %s: %w", a.socketPath, err)
	}

	// Resolve the address
	addr, err := net.ResolveUnixAddr("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve unix addr %s: %w", a.socketPath, err)
	}

	// Listen on the socket
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", a.socketPath, err)
	}

	a.listener = listener
	log.Printf("Listening for commands on %s", a.socketPath)
	return nil
}

// listenForCommands accepts connections and handles them
func (a *App) listenForCommands() {
	defer a.wg.Done()
	defer log.Println("Socket command listener stopped.")

	if a.listener == nil {
		log.Println("Error: Socket listener not initialized.")
		return
	}

	for {
		conn, err := a.listener.AcceptUnix()
		if err != nil {
			// Check if the error is due to the listener being closed
			select {
			case <-a.ctx.Done():
				log.Println("Listener closing due to context cancellation.")
				return // Expected error on shutdown
			default:
				log.Printf("Failed to accept connection: %v", err)
				// Avoid tight loop on persistent error
				if ne, ok := err.(net.Error); ok && !ne.Temporary() {
					log.Printf("Non-temporary accept error, stopping listener.")
					return
				}
				time.Sleep(100 * time.Millisecond) // Small delay before retrying
			}
			continue
		}
		// Handle each connection in a new goroutine
		a.wg.Add(1)
		go a.handleConnection(conn)
	}
}

// handleConnection reads command, processes it, and sends response
func (a *App) handleConnection(conn *net.UnixConn) {
	defer conn.Close()
	defer a.wg.Done()

	// Set a deadline for reading the command
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd ipc.Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			log.Printf("Failed to decode command: %v", err)
		}
		// Send error response even if decoding failed partially
		_ = encoder.Encode(ipc.Response{Success: false, Message: "Failed to decode command: " + err.Error()})
		return
	}

	// Reset read deadline
	conn.SetReadDeadline(time.Time{})
	// Set write deadline for response
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	log.Printf("Received command: %s", cmd.Name)

	// Process command
	response := a.processCommand(cmd)

	// Send response
	if err := encoder.Encode(response); err != nil {
		log.Printf("Failed to send response: %v", err)
	}
}

// processCommand routes the command to the correct handler
func (a *App) processCommand(cmd ipc.Command) ipc.Response {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()

	switch cmd.Name {
	case ipc.CmdPing:
		return ipc.Response{Success: true, Message: "pong"}

	case ipc.CmdStatus:
		return a.handleStatus(ctx)

	case ipc.CmdIngestAnalysis:
		var args ipc.IngestAnalysisArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		return a.handleIngest(ctx, args)

	case ipc.CmdSearchActivities:
		var args ipc.SearchActivitiesArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		hits, err := a.facade.SearchActivities(ctx, args.Query, args.Limit)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("%d match(es)", len(hits)), Data: hits}

	case ipc.CmdGetActivity:
		var args ipc.GetActivityArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		sess, err := a.facade.ActivityDetail(ctx, args.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return ipc.Response{Success: false, Message: fmt.Sprintf("No activity with id %d", args.ID)}
		}
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Data: sess}

	case ipc.CmdGetActivitiesRange:
		var args ipc.GetActivitiesRangeArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		start, err := parseRFC3339("start", args.Start)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		end, err := parseRFC3339("end", args.End)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		sessions, err := a.facade.ActivitiesRange(ctx, start, end)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("%d session(s)", len(sessions)), Data: sessions}

	case ipc.CmdGetSuggestions:
		pending, err := a.facade.PendingSuggestions(ctx)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("%d pending suggestion(s)", len(pending)), Data: pending}

	case ipc.CmdRespondSuggestion:
		var args ipc.RespondSuggestionArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		return a.handleRespondSuggestion(ctx, args)

	case ipc.CmdGetSummaries:
		var args ipc.GetSummariesArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		start, err := parseRFC3339("start", args.Start)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		end, err := parseRFC3339("end", args.End)
		if err != nil {
			return ipc.Response{Success: false, Message: err.Error()}
		}
		summaries, err := a.facade.SummariesRange(ctx, activity.SummaryKind(args.Kind), start, end)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("%d summary(ies)", len(summaries)), Data: summaries}

	case ipc.CmdGenerateSummary:
		var args ipc.GenerateSummaryArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		anchor := time.Now()
		if args.Date != "" {
			parsed, err := time.ParseInLocation("2006-01-02", args.Date, time.Local)
			if err != nil {
				return ipc.Response{Success: false, Message: fmt.Sprintf("Date must be YYYY-MM-DD, got %q", args.Date)}
			}
			anchor = parsed
		}
		sum, err := a.facade.GenerateSummary(ctx, activity.SummaryKind(args.Kind), anchor)
		if err != nil {
			return errResponse(err)
		}
		msg := fmt.Sprintf("%s summary for %s generated", sum.Kind, sum.DateStart.Format("2006-01-02"))
		if sum.Insufficient {
			msg += " (insufficient activity)"
		}
		return ipc.Response{Success: true, Message: msg, Data: sum}

	case ipc.CmdRunDetection:
		updated, err := a.pipe.RunDetection(ctx)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("Detection pass updated %d habit(s)", updated),
			Data: map[string]int{"updated": updated}}

	case ipc.CmdFlushSession:
		if err := a.pipe.Flush(ctx); err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Message: "Open session flushed"}

	case ipc.CmdGetSettings:
		settings, err := a.facade.Settings(ctx)
		if err != nil {
			return errResponse(err)
		}
		return ipc.Response{Success: true, Data: settings}

	case ipc.CmdSetSettings:
		var args ipc.SetSettingsArgs
		if err := mapToStruct(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		if len(args.Settings) == 0 {
			return ipc.Response{Success: false, Message: "No settings given"}
		}
		applied := make(map[string]string, len(args.Settings))
		for key, value := range args.Settings {
			got, err := a.facade.SetSetting(ctx, key, value)
			if err != nil {
				return errResponse(err)
			}
			applied[key] = got
		}
		return ipc.Response{Success: true, Message: fmt.Sprintf("%d setting(s) applied", len(applied)), Data: applied}

	default:
		return ipc.Response{Success: false, Message: fmt.Sprintf("Unknown command: %s", cmd.Name)}
	}
}

func (a *App) handleStatus(ctx context.Context) ipc.Response {
	st, err := a.facade.Status(ctx)
	if err != nil {
		return ipc.Response{Success: false, Message: fmt.Sprintf("Failed to read status: %v", err)}
	}
	data := ipc.StatusData{
		SchemaVersion:      st.SchemaVersion,
		StoreReady:         st.StoreReady,
		PipelineEnabled:    st.Pipeline.Enabled,
		Ingested:           st.Pipeline.Ingested,
		Malformed:          st.Pipeline.Malformed,
		OutOfOrder:         st.Pipeline.OutOfOrder,
		SessionsClosed:     st.Pipeline.SessionsClosed,
		OpenSessionID:      st.Pipeline.OpenSessionID,
		OpenSessions:       st.OpenSessions,
		ClosedSessions:     st.ClosedSessions,
		TotalAnalyses:      st.TotalAnalyses,
		InvalidAnalyses:    st.InvalidAnalyses,
		Backlog:            st.Backlog,
		PendingSuggestions: st.PendingSuggestions,
	}
	if !st.Pipeline.LastIngest.IsZero() {
		data.LastIngest = st.Pipeline.LastIngest.Format(time.RFC3339)
	}
	return ipc.Response{Success: true, Data: data}
}

func (a *App) handleIngest(ctx context.Context, args ipc.IngestAnalysisArgs) ipc.Response {
	if len(args.Payload) == 0 {
		return ipc.Response{Success: false, Message: "Analysis payload cannot be empty"}
	}
	rec, err := a.analyzer.Analyze(ctx, provider.Capture{
		SegmentID:  args.SegmentID,
		CapturedAt: time.Now(),
		Payload:    args.Payload,
	})
	if err != nil {
		return ipc.Response{Success: false, Message: fmt.Sprintf("Failed to decode analysis payload: %v", err)}
	}
	if err := a.pipe.Submit(ctx, rec); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrDisabled):
			return ipc.Response{Success: false, Message: "Pipeline is disabled; set pipeline_enabled=true to resume ingestion"}
		case errors.Is(err, pipeline.ErrQueueFull):
			return ipc.Response{Success: false, Message: "Ingest queue is full, try again shortly"}
		default:
			return ipc.Response{Success: false, Message: fmt.Sprintf("Failed to submit analysis: %v", err)}
		}
	}
	return ipc.Response{
		Success: true,
		Message: fmt.Sprintf("Analysis %s accepted", rec.SegmentID),
		Data:    ipc.IngestResult{SegmentID: rec.SegmentID, Valid: rec.Valid},
	}
}

func (a *App) handleRespondSuggestion(ctx context.Context, args ipc.RespondSuggestionArgs) ipc.Response {
	var status activity.SuggestionStatus
	switch args.Status {
	case string(activity.SuggestionAccepted):
		status = activity.SuggestionAccepted
	case string(activity.SuggestionDismissed):
		status = activity.SuggestionDismissed
	default:
		return ipc.Response{Success: false, Message: fmt.Sprintf("Status must be %q or %q", activity.SuggestionAccepted, activity.SuggestionDismissed)}
	}
	err := a.facade.RespondSuggestion(ctx, args.ID, status, args.Response)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ipc.Response{Success: false, Message: fmt.Sprintf("No suggestion with id %s", args.ID)}
	case errors.Is(err, storage.ErrAlreadyResolved):
		return ipc.Response{Success: false, Message: fmt.Sprintf("Suggestion %s is already resolved", args.ID)}
	case err != nil:
		return errResponse(err)
	}
	return ipc.Response{Success: true, Message: fmt.Sprintf("Suggestion %s %s", args.ID, status)}
}

// errResponse turns a handler error into the failure the client sees, with a
// friendlier line for the not-ready case.
func errResponse(err error) ipc.Response {
	if errors.Is(err, storage.ErrUnavailable) {
		return ipc.Response{Success: false, Message: "Daemon is not ready or the pipeline is disabled; check 'status'"}
	}
	return ipc.Response{Success: false, Message: err.Error()}
}

func invalidArgs(name string, err error) ipc.Response {
	return ipc.Response{Success: false, Message: fmt.Sprintf("Invalid args for %s: %v", name, err)}
}

func parseRFC3339(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC3339 timestamp, got %q", field, value)
	}
	return t, nil
}

// Helper function to convert map[string]interface{} (from json unmarshal) to struct
func mapToStruct(input interface{}, output interface{}) error {
	if input == nil {
		return nil // No args provided, might be okay for some commands
	}
	// Convert map to JSON bytes
	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal args map: %w", err)
	}
	// Unmarshal JSON bytes into the target struct
	if err := json.Unmarshal(jsonBytes, output); err != nil {
		return fmt.Errorf("failed to unmarshal args into struct: %w", err)
	}
	return nil
}

func (a *App) Run() error {
	defer a.cleanup() // Ensure cleanup runs

	log.Println("Starting retrace daemon...")
	log.Printf("Database: %s", a.cfg.DatabasePath)
	log.Printf("Artifacts: %s", a.cfg.ArtifactsDir())

	// --- Setup Socket ---
	if err := a.setupSocket(); err != nil {
		return fmt.Errorf("failed to set up socket: %w", err)
	}

	// Start signal handling
	a.handleSignals()

	if err := a.pipe.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	a.watchdog.Start(a.ctx)
	a.scheduler.Start(a.ctx)

	if a.spooler != nil {
		if err := a.spooler.Start(a.ctx); err != nil {
			log.Printf("Warning: spool watcher failed to start: %v. Directory intake disabled.", err)
			a.spooler = nil
		} else {
			log.Printf("Watching spool directory %s", a.cfg.SpoolDir)
		}
	}

	if a.cfgWatch != nil {
		if err := a.cfgWatch.Start(); err != nil {
			log.Printf("Warning: config watcher failed to start: %v. Hot reload disabled.", err)
			a.cfgWatch = nil
		}
	}

	// --- Start Socket Listener ---
	a.wg.Add(1)
	go a.listenForCommands()

	log.Println("retrace daemon running. Send commands via retrace-cli or the socket.")
	<-a.ctx.Done() // Block here until context is cancelled

	log.Println("Shutdown signal received, waiting for components...")

	// Close the listener *before* waiting for goroutines to allow accept() to return
	if a.listener != nil {
		log.Println("Closing command socket listener...")
		if err := a.listener.Close(); err != nil {
			log.Printf("Error closing socket listener: %v", err)
		}
	}

	waitChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Println("All connection handlers finished.")
	case <-time.After(5 * time.Second):
		log.Println("Warning: Timeout waiting for connection handlers to stop.")
	}

	log.Println("retrace daemon finished.")
	return nil
}

// Stop triggers the same shutdown path the signal handler takes.
func (a *App) Stop() {
	a.cancel()
}

// handleSignals cancels the app context on SIGINT/SIGTERM
func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v. Initiating shutdown...", sig)
		a.cancel() // Trigger context cancellation for graceful shutdown
	}()
}

// cleanup needs to ensure socket removal
func (a *App) cleanup() {
	log.Println("Running cleanup...")

	if a.cfgWatch != nil {
		a.cfgWatch.Stop()
	}
	if a.spooler != nil {
		a.spooler.Stop()
	}
	a.scheduler.Stop()
	a.watchdog.Stop()

	// Flushes the open session before the store goes away.
	a.pipe.Stop()
	a.notifier.Close()

	// Close storage
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Error closing storage: %v", err)
		}
	}

	// --- Remove Socket File ---
	// Note: Listener is closed in Run() before wg.Wait()
	if _, err := os.Stat(a.socketPath); err == nil {
		log.Printf("Removing socket file: %s", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			log.Printf("Warning: Failed to remove socket file %s: %v", a.socketPath, err)
		}
	}

	log.Println("Cleanup finished.")
}
