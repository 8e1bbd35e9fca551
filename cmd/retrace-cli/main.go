package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"retrace/internal/activity"
	"retrace/internal/ipc"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "retrace-cli",
	Short: "CLI tool to interact with the retrace daemon",
	Long:  `A command-line interface to query activities, suggestions and summaries from the running retrace daemon via its Unix socket.`,
}

// --- Client Helper Functions ---

// request sends one command over the socket and returns the raw response.
func request(cmd ipc.Command) (ipc.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return ipc.Response{}, err
	}
	defer conn.Close()

	// Set deadlines
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) // For response

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	// Send command
	if err := encoder.Encode(cmd); err != nil {
		return ipc.Response{}, fmt.Errorf("failed to send command: %w", err)
	}

	// Receive response
	var resp ipc.Response
	if err := decoder.Decode(&resp); err != nil {
		return ipc.Response{}, fmt.Errorf("failed to receive response: %w", err)
	}
	return resp, nil
}

// sendCommand runs one command and prints the outcome, exiting non-zero on
// failure.
func sendCommand(cmd ipc.Command) {
	resp, err := request(cmd)
	if err != nil {
		log.Fatalf("Error connecting to daemon socket (%s): %v\nIs the retrace daemon running?", socketPath, err)
	}

	if resp.Success {
		fmt.Println("Success:", resp.Message)
		if resp.Data != nil {
			// Pretty print JSON data if available
			prettyData, err := json.MarshalIndent(resp.Data, "", "  ")
			if err == nil {
				fmt.Println("Data:")
				fmt.Println(string(prettyData))
			} else {
				fmt.Println("Data (raw):", resp.Data)
			}
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Message)
		os.Exit(1) // Exit with error code if command failed server-side
	}
}

// decodeData re-marshals the loosely typed response data into out.
func decodeData(data interface{}, out interface{}) error {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// parseTimeFlag accepts both a bare date and a full RFC3339 timestamp.
func parseTimeFlag(name, value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.Local); err == nil {
		return t
	}
	log.Fatalf("Invalid --%s %q: want YYYY-MM-DD or an RFC3339 timestamp", name, value)
	return time.Time{}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// --- Command Definitions ---

// Ping Command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the retrace daemon is running",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdPing})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the current pipeline and store status from the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdStatus})
	},
}

// Ingest Command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit one analysis payload (JSON file or stdin) to the pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		payloadFile, _ := cmd.Flags().GetString("file")
		segmentID, _ := cmd.Flags().GetString("segment")

		var data []byte
		var err error
		if payloadFile == "" || payloadFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(payloadFile)
		}
		if err != nil {
			log.Fatalf("Error reading payload: %v", err)
		}
		if !json.Valid(data) {
			log.Fatal("Error: payload is not valid JSON")
		}

		sendCommand(ipc.Command{
			Name: ipc.CmdIngestAnalysis,
			Args: ipc.IngestAnalysisArgs{SegmentID: segmentID, Payload: json.RawMessage(data)},
		})
	},
}

// Search Command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Free-text search over closed activity sessions",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		sendCommand(ipc.Command{
			Name: ipc.CmdSearchActivities,
			Args: ipc.SearchActivitiesArgs{Query: strings.Join(args, " "), Limit: limit},
		})
	},
}

// Activity Command Group
var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect grouped activity sessions",
}

var activityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session with its member segments",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			log.Fatalf("Invalid session id %q: %v", args[0], err)
		}
		sendCommand(ipc.Command{Name: ipc.CmdGetActivity, Args: ipc.GetActivityArgs{ID: id}})
	},
}

var activityRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "List sessions in a time range (default: today)",
	Run: func(cmd *cobra.Command, args []string) {
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")

		now := time.Now()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		from := parseTimeFlag("from", fromStr, dayStart)
		to := parseTimeFlag("to", toStr, now)

		sendCommand(ipc.Command{
			Name: ipc.CmdGetActivitiesRange,
			Args: ipc.GetActivitiesRangeArgs{Start: from.Format(time.RFC3339), End: to.Format(time.RFC3339)},
		})
	},
}

// Suggestions Command Group
var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List and resolve proactive suggestions",
}

var suggestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending suggestions, highest priority first",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdGetSuggestions})
	},
}

func respondCmd(use, short string, status activity.SuggestionStatus) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			response, _ := cmd.Flags().GetString("response")
			sendCommand(ipc.Command{
				Name: ipc.CmdRespondSuggestion,
				Args: ipc.RespondSuggestionArgs{ID: args[0], Status: string(status), Response: response},
			})
		},
	}
	c.Flags().StringP("response", "r", "", "Optional free-text response to record")
	return c
}

// Summary Command Group
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "List and generate period summaries",
}

var summaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List summaries of one kind in a time range",
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")

		now := time.Now()
		from := parseTimeFlag("from", fromStr, now.AddDate(0, 0, -30))
		to := parseTimeFlag("to", toStr, now)

		sendCommand(ipc.Command{
			Name: ipc.CmdGetSummaries,
			Args: ipc.GetSummariesArgs{Kind: kind, Start: from.Format(time.RFC3339), End: to.Format(time.RFC3339)},
		})
	},
}

var summaryGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate (or regenerate) the summary for the period containing a date",
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		date, _ := cmd.Flags().GetString("date")
		sendCommand(ipc.Command{
			Name: ipc.CmdGenerateSummary,
			Args: ipc.GenerateSummaryArgs{Kind: kind, Date: date},
		})
	},
}

// Detect Command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run a habit detection pass now",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdRunDetection})
	},
}

// Flush Command
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Close the currently open session, if any",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdFlushSession})
	},
}

// Settings Command Group
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change runtime settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show all runtime settings",
	Run: func(cmd *cobra.Command, args []string) {
		sendCommand(ipc.Command{Name: ipc.CmdGetSettings})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key>=<value> ...",
	Short: "Apply one or more runtime settings (e.g. pipeline_enabled=false)",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		settings := make(map[string]string, len(args))
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok || key == "" {
				log.Fatalf("Invalid setting %q, want key=value", arg)
			}
			settings[key] = value
		}
		sendCommand(ipc.Command{Name: ipc.CmdSetSettings, Args: ipc.SetSettingsArgs{Settings: settings}})
	},
}

// --- Dashboard ---

// dashboardState is one polled snapshot of everything the dashboard shows.
type dashboardState struct {
	status      ipc.StatusData
	statusErr   error
	sessions    []activity.Session
	suggestions []activity.Suggestion
}

func pollDashboard() dashboardState {
	var st dashboardState

	resp, err := request(ipc.Command{Name: ipc.CmdStatus})
	switch {
	case err != nil:
		st.statusErr = err
		return st
	case !resp.Success:
		st.statusErr = fmt.Errorf("%s", resp.Message)
		return st
	}
	if err := decodeData(resp.Data, &st.status); err != nil {
		st.statusErr = err
		return st
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if resp, err := request(ipc.Command{
		Name: ipc.CmdGetActivitiesRange,
		Args: ipc.GetActivitiesRangeArgs{Start: dayStart.Format(time.RFC3339), End: now.Format(time.RFC3339)},
	}); err == nil && resp.Success {
		_ = decodeData(resp.Data, &st.sessions)
	}

	if resp, err := request(ipc.Command{Name: ipc.CmdGetSuggestions}); err == nil && resp.Success {
		_ = decodeData(resp.Data, &st.suggestions)
	}
	return st
}

func renderDashboard(st dashboardState, statusView, suggestView *tview.TextView, sessionTable *tview.Table) {
	statusView.Clear()
	if st.statusErr != nil {
		fmt.Fprintf(statusView, "[red]Daemon unreachable: %v[-]", st.statusErr)
	} else {
		s := st.status
		ready := "[green]ready[-]"
		if !s.StoreReady {
			ready = "[yellow]migrating[-]"
		}
		enabled := "[green]enabled[-]"
		if !s.PipelineEnabled {
			enabled = "[red]disabled[-]"
		}
		lastIngest := s.LastIngest
		if lastIngest == "" {
			lastIngest = "never"
		}
		fmt.Fprintf(statusView, "Store: %s (schema v%d)   Pipeline: %s\n", ready, s.SchemaVersion, enabled)
		fmt.Fprintf(statusView, "Ingested: %d   Malformed: %d   Out-of-order: %d   Backlog: %d\n",
			s.Ingested, s.Malformed, s.OutOfOrder, s.Backlog)
		fmt.Fprintf(statusView, "Sessions: %d closed, %d open\n", s.ClosedSessions, s.OpenSessions)
		fmt.Fprintf(statusView, "Last ingest: %s", lastIngest)
	}

	sessionTable.Clear()
	for col, header := range []string{"ID", "Start", "End", "Title", "App", "Prod"} {
		sessionTable.SetCell(0, col,
			tview.NewTableCell(header).SetTextColor(tcell.ColorYellow).SetSelectable(false))
	}
	for i, sess := range st.sessions {
		row := i + 1
		sessionTable.SetCell(row, 0, tview.NewTableCell(strconv.FormatInt(sess.ID, 10)))
		sessionTable.SetCell(row, 1, tview.NewTableCell(sess.StartedAt.Local().Format("15:04")))
		sessionTable.SetCell(row, 2, tview.NewTableCell(sess.EndedAt.Local().Format("15:04")))
		sessionTable.SetCell(row, 3, tview.NewTableCell(tview.Escape(truncate(sess.Title, 48))))
		sessionTable.SetCell(row, 4, tview.NewTableCell(tview.Escape(sess.AppName)))
		sessionTable.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%.1f", sess.AvgProductivity)))
	}

	suggestView.Clear()
	if len(st.suggestions) == 0 {
		fmt.Fprint(suggestView, "No pending suggestions.")
		return
	}
	for _, sug := range st.suggestions {
		color := "white"
		switch sug.Priority {
		case activity.PriorityHigh:
			color = "red"
		case activity.PriorityNormal:
			color = "yellow"
		case activity.PriorityLow:
			color = "green"
		}
		fmt.Fprintf(suggestView, "[%s]%-6s[-] %s  [gray](%s)[-]\n    %s\n",
			color, sug.Priority, tview.Escape(sug.Title), sug.ID, tview.Escape(sug.Message))
	}
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal view of today's sessions and pending suggestions",
	Run: func(cmd *cobra.Command, args []string) {
		// Fail fast when the daemon is down instead of rendering an empty UI.
		if _, err := request(ipc.Command{Name: ipc.CmdPing}); err != nil {
			log.Fatalf("Error connecting to daemon socket (%s): %v\nIs the retrace daemon running?", socketPath, err)
		}
		refresh, _ := cmd.Flags().GetDuration("refresh")
		if refresh < 500*time.Millisecond {
			refresh = 500 * time.Millisecond
		}

		app := tview.NewApplication()

		statusView := tview.NewTextView().SetDynamicColors(true)
		statusView.SetBorder(true).SetTitle(" Daemon ")
		sessionTable := tview.NewTable().SetFixed(1, 0)
		sessionTable.SetBorder(true).SetTitle(" Today's Sessions ")
		suggestView := tview.NewTextView().SetDynamicColors(true)
		suggestView.SetBorder(true).SetTitle(" Pending Suggestions ")

		flex := tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(statusView, 6, 0, false).
			AddItem(sessionTable, 0, 2, false).
			AddItem(suggestView, 0, 1, false)

		app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
				app.Stop()
				return nil
			}
			return event
		})

		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					// Poll outside the UI thread, draw inside it.
					st := pollDashboard()
					app.QueueUpdateDraw(func() {
						renderDashboard(st, statusView, suggestView, sessionTable)
					})
				}
			}
		}()

		renderDashboard(pollDashboard(), statusView, suggestView, sessionTable)

		err := app.SetRoot(flex, true).Run()
		close(stop)
		if err != nil {
			log.Fatalf("Dashboard error: %v", err)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ipc.SocketPath, "Path to the retrace daemon socket")

	// --- Ingest ---
	ingestCmd.Flags().StringP("file", "f", "", "Payload JSON file ('-' or empty reads stdin)")
	ingestCmd.Flags().StringP("segment", "s", "", "Segment id to use when the payload carries none")
	rootCmd.AddCommand(ingestCmd)

	// --- Search ---
	searchCmd.Flags().IntP("limit", "n", 0, "Maximum number of results (default: server-side)")
	rootCmd.AddCommand(searchCmd)

	// --- Activity ---
	activityRangeCmd.Flags().String("from", "", "Range start (YYYY-MM-DD or RFC3339, default: today 00:00)")
	activityRangeCmd.Flags().String("to", "", "Range end (YYYY-MM-DD or RFC3339, default: now)")
	activityCmd.AddCommand(activityShowCmd)
	activityCmd.AddCommand(activityRangeCmd)
	rootCmd.AddCommand(activityCmd)

	// --- Suggestions ---
	suggestionsCmd.AddCommand(suggestionsListCmd)
	suggestionsCmd.AddCommand(respondCmd("accept", "Accept a pending suggestion", activity.SuggestionAccepted))
	suggestionsCmd.AddCommand(respondCmd("dismiss", "Dismiss a pending suggestion", activity.SuggestionDismissed))
	rootCmd.AddCommand(suggestionsCmd)

	// --- Summaries ---
	summaryListCmd.Flags().StringP("kind", "k", "daily", "Summary kind (daily, weekly, monthly)")
	summaryListCmd.Flags().String("from", "", "Range start (YYYY-MM-DD or RFC3339, default: 30 days ago)")
	summaryListCmd.Flags().String("to", "", "Range end (YYYY-MM-DD or RFC3339, default: now)")
	summaryGenerateCmd.Flags().StringP("kind", "k", "daily", "Summary kind (daily, weekly, monthly)")
	summaryGenerateCmd.Flags().String("date", "", "Anchor date YYYY-MM-DD (default: today)")
	summaryCmd.AddCommand(summaryListCmd)
	summaryCmd.AddCommand(summaryGenerateCmd)
	rootCmd.AddCommand(summaryCmd)

	// --- Settings ---
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)

	// --- Dashboard ---
	dashboardCmd.Flags().DurationP("refresh", "r", 2*time.Second, "Dashboard refresh interval")
	rootCmd.AddCommand(dashboardCmd)

	// --- Other Commands ---
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(flushCmd)

	// --- Execute ---
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}
