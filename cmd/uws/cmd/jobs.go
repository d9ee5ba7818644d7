package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/store"
	"github.com/psantana5/uws-client/pkg/uws"
)

var (
	// Job submit flags
	submitParams []string
	submitQuery  string
	submitLang   string
	submitRunID  string
	submitRun    bool
	submitWait   bool

	// Shared wait flags
	waitPhases  []string
	waitTimeout time.Duration
	waitMetrics bool

	// Job status flags
	followStatus bool

	// Job list flags
	listPhases []string
	listLast   int
	listAfter  string

	// Job result flags
	resultID string

	// Job set flags
	setDuration    time.Duration
	setDestruction string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long:  `Commands for creating, running, waiting on and cleaning up jobs on a UWS service.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long: `Create a job with the given parameters. The job stays PENDING unless --run
is given. With --wait the command blocks until the job finishes.

Example:
  uws jobs submit --query "SELECT TOP 10 * FROM ivoa.obscore" --run --wait
  uws jobs submit --param REQUEST=doQuery --param MAXREC=100`,
	Args: cobra.NoArgs,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Get job status",
	Long:  `Fetch a job document. <job> is a job URL, a tracked job ID or a job id on the configured service.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs on the service",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Start a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job>",
	Short: "Abort a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job>",
	Short: "Delete a job and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <job>",
	Short: "Wait for a job to finish",
	Long: `Poll a job until it reaches a terminal phase or one of --phase. Reaching
--timeout is not an error; the last known phase is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWait,
}

var jobsResultCmd = &cobra.Command{
	Use:   "result <job>",
	Short: "Print the URL of a job result",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResult,
}

var jobsSetCmd = &cobra.Command{
	Use:   "set <job> [KEY=VALUE ...]",
	Short: "Change job parameters, execution duration or destruction time",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsSet,
}

var jobsTrackedCmd = &cobra.Command{
	Use:   "tracked",
	Short: "List jobs recorded in the local registry",
	Args:  cobra.NoArgs,
	RunE:  runJobsTracked,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsAbortCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsWaitCmd)
	jobsCmd.AddCommand(jobsResultCmd)
	jobsCmd.AddCommand(jobsSetCmd)
	jobsCmd.AddCommand(jobsTrackedCmd)

	jobsSubmitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "job parameter KEY=VALUE (repeatable)")
	jobsSubmitCmd.Flags().StringVar(&submitQuery, "query", "", "shorthand for --param QUERY=...")
	jobsSubmitCmd.Flags().StringVar(&submitLang, "lang", "ADQL", "query language sent with --query")
	jobsSubmitCmd.Flags().StringVar(&submitRunID, "run-id", "", "RUNID tag for the job (default: random)")
	jobsSubmitCmd.Flags().BoolVar(&submitRun, "run", false, "start the job right after creating it")
	jobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the job to finish (implies --run)")
	jobsSubmitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "give up waiting after this long (0 = no limit)")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "wait until the job reaches a terminal phase")

	jobsListCmd.Flags().StringSliceVar(&listPhases, "phase", nil, "only list jobs in these phases")
	jobsListCmd.Flags().IntVar(&listLast, "last", 0, "only list the N most recent jobs")
	jobsListCmd.Flags().StringVar(&listAfter, "after", "", "only list jobs created after this RFC 3339 time")

	jobsWaitCmd.Flags().StringSliceVar(&waitPhases, "phase", nil, "also stop at these phases")
	jobsWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	jobsWaitCmd.Flags().BoolVar(&waitMetrics, "metrics", false, "print client metrics when done")

	jobsResultCmd.Flags().StringVar(&resultID, "id", "", "result name (required when the job has several)")

	jobsSetCmd.Flags().DurationVar(&setDuration, "execution-duration", -1, "requested execution time budget (0 = unlimited)")
	jobsSetCmd.Flags().StringVar(&setDestruction, "destruction", "", "requested destruction time (RFC 3339)")
}

// parseAssignments turns KEY=VALUE arguments into form values
func parseAssignments(args []string) (url.Values, error) {
	values := url.Values{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", arg)
		}
		values.Add(strings.TrimSpace(key), value)
	}
	return values, nil
}

func parsePhases(tokens []string) ([]models.JobPhase, error) {
	phases := make([]models.JobPhase, 0, len(tokens))
	for _, tok := range tokens {
		p := models.ParsePhase(tok)
		if p == models.PhaseUnknown && !strings.EqualFold(strings.TrimSpace(tok), string(models.PhaseUnknown)) {
			return nil, fmt.Errorf("unknown phase %q", tok)
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// openJob resolves ref and fetches the job, tracking its latest phase
func openJob(ctx context.Context, ref string) (*uws.Job, store.Store, error) {
	reg, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	jobURL, err := resolveJobURL(ref, reg)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	client, err := newClient()
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	job, err := client.Open(ctx, jobURL)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	trackPhase(reg, job)
	return job, reg, nil
}

// trackPhase updates the registry if the job is tracked
func trackPhase(reg store.Store, job *uws.Job) {
	if s := job.Summary(); s != nil {
		if err := reg.UpdatePhase(job.URL(), s.Phase); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to update local registry: %v\n", err)
		}
	}
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	params, err := parseAssignments(submitParams)
	if err != nil {
		return err
	}
	if submitQuery != "" {
		params.Set("QUERY", submitQuery)
		if params.Get("LANG") == "" {
			params.Set("LANG", submitLang)
		}
	}
	if submitRunID == "" {
		submitRunID = uuid.NewString()
	}
	params.Set("RUNID", submitRunID)

	client, err := newClient()
	if err != nil {
		return err
	}
	reg, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer reg.Close()

	job, err := client.Create(ctx, params)
	if err != nil {
		return err
	}

	rec := &store.Record{
		JobURL:  job.URL(),
		JobID:   job.ID(),
		RunID:   submitRunID,
		Service: client.JobsURL(),
		Phase:   job.Phase(),
	}
	if err := reg.Track(rec); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record job locally: %v\n", err)
	}

	if submitRun || submitWait {
		if err := job.Run(ctx); err != nil {
			return err
		}
	}

	summary := job.Summary()
	if submitWait {
		summary, err = job.Wait(ctx, uws.WaitOptions{Timeout: waitTimeout})
		if err != nil {
			if summary != nil {
				displayJob(summary, job.URL())
			}
			return err
		}
	}
	trackPhase(reg, job)

	displayJob(summary, job.URL())
	if !IsJSONOutput() {
		fmt.Printf("\nJob submitted: %s (tracked as %s)\n", job.URL(), rec.ID)
	}
	return uws.RaiseIfError(summary)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, reg, err := openJob(ctx, args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	if !followStatus {
		displayJob(job.Summary(), job.URL())
		return nil
	}

	if !IsJSONOutput() {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", job.URL())
	}
	summary, err := job.Wait(ctx, uws.WaitOptions{})
	trackPhase(reg, job)
	if summary != nil {
		displayJob(summary, job.URL())
	}
	if err != nil {
		return err
	}
	return uws.RaiseIfError(summary)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	phases, err := parsePhases(listPhases)
	if err != nil {
		return err
	}
	opts := uws.ListOptions{Phases: phases, Last: listLast}
	if listAfter != "" {
		after, err := time.Parse(time.RFC3339, listAfter)
		if err != nil {
			return fmt.Errorf("invalid --after time: %w", err)
		}
		opts.After = &after
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	list, err := client.List(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Phase", "Run ID", "Created", "URL")
	for _, ref := range list.Jobs {
		phase := string(ref.Phase)
		if phase == "" {
			phase = "-"
		}
		table.Append(ref.JobID, phase, orDash(ref.RunID), formatTimePtr(ref.CreationTime), ref.Href)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", list.Len())
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	job, reg, err := openJob(ctx, args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := job.Run(ctx); err != nil {
		return err
	}
	trackPhase(reg, job)
	fmt.Printf("Job %s started (phase %s)\n", job.ID(), job.Phase())
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	job, reg, err := openJob(ctx, args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := job.Abort(ctx); err != nil {
		return err
	}
	trackPhase(reg, job)
	fmt.Printf("Job %s abort requested (phase %s)\n", job.ID(), job.Phase())
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	reg, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer reg.Close()

	jobURL, err := resolveJobURL(args[0], reg)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	// Deleting needs no snapshot, and must work on jobs already gone
	job := client.Attach(models.JobRef{Href: jobURL})
	if err := job.Delete(cmd.Context()); err != nil {
		return err
	}
	if err := reg.Remove(jobURL); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		fmt.Fprintf(os.Stderr, "Warning: failed to update local registry: %v\n", err)
	}
	fmt.Printf("Job %s deleted\n", jobURL)
	return nil
}

func runJobsWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	phases, err := parsePhases(waitPhases)
	if err != nil {
		return err
	}

	job, reg, err := openJob(ctx, args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	summary, err := job.Wait(ctx, uws.WaitOptions{Phases: phases, Timeout: waitTimeout})
	trackPhase(reg, job)
	if summary != nil {
		displayJob(summary, job.URL())
	}
	if waitMetrics {
		fmt.Println()
		if merr := recorder.WriteText(os.Stdout); merr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write metrics: %v\n", merr)
		}
	}
	if err != nil {
		return err
	}
	return uws.RaiseIfError(summary)
}

func runJobsResult(cmd *cobra.Command, args []string) error {
	job, reg, err := openJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	href, err := job.FetchResult(resultID)
	if err != nil {
		return err
	}
	fmt.Println(href)
	return nil
}

func runJobsSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	params, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	var destruction time.Time
	if setDestruction != "" {
		destruction, err = time.Parse(time.RFC3339, setDestruction)
		if err != nil {
			return fmt.Errorf("invalid --destruction time: %w", err)
		}
	}
	if len(params) == 0 && setDuration < 0 && setDestruction == "" {
		return fmt.Errorf("nothing to set: pass KEY=VALUE arguments, --execution-duration or --destruction")
	}

	job, reg, err := openJob(ctx, args[0])
	if err != nil {
		return err
	}
	defer reg.Close()

	if len(params) > 0 {
		if err := job.SetParameters(ctx, params); err != nil {
			return err
		}
	}
	if setDuration >= 0 {
		if err := job.SetExecutionDuration(ctx, setDuration); err != nil {
			return err
		}
	}
	if setDestruction != "" {
		if err := job.SetDestruction(ctx, destruction); err != nil {
			return err
		}
	}

	trackPhase(reg, job)
	displayJob(job.Summary(), job.URL())
	return nil
}

func runJobsTracked(cmd *cobra.Command, args []string) error {
	reg, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer reg.Close()

	records, err := reg.List()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(records)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Job ID", "Phase", "Run ID", "Updated", "URL")
	for _, rec := range records {
		table.Append(rec.ID, rec.JobID, string(rec.Phase), orDash(rec.RunID),
			rec.UpdatedAt.Local().Format("2006-01-02 15:04"), rec.JobURL)
	}
	table.Render()
	fmt.Printf("\nTracked jobs: %d\n", len(records))
	return nil
}

func displayJob(s *models.JobSummary, jobURL string) {
	if IsJSONOutput() {
		printJSON(s)
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", s.JobID)
	table.Append("URL", jobURL)
	table.Append("Phase", string(s.Phase))
	if s.RunID != "" {
		table.Append("Run ID", s.RunID)
	}
	if s.OwnerID != "" {
		table.Append("Owner", s.OwnerID)
	}
	table.Append("Created", formatTimePtr(s.CreationTime))
	table.Append("Started", formatTimePtr(s.StartTime))
	table.Append("Ended", formatTimePtr(s.EndTime))
	if s.ExecutionDuration > 0 {
		table.Append("Execution Duration", s.ExecutionDuration.String())
	} else {
		table.Append("Execution Duration", "unlimited")
	}
	table.Append("Destruction", formatTimePtr(s.Destruction))

	for _, p := range s.Parameters {
		value := p.Value
		if p.ByReference {
			value += " (by reference)"
		}
		table.Append("Parameter "+p.ID, value)
	}
	for _, r := range s.Results {
		table.Append("Result "+r.ID, r.Href)
	}
	if s.ErrorSummary != nil {
		table.Append("Error", fmt.Sprintf("[%s] %s", s.ErrorSummary.Type, s.ErrorSummary.Message))
	}

	table.Render()
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
