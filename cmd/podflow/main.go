package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
	tty   bool
}

func newUI() *ui {
	tty := term.IsTerminal(int(os.Stdout.Fd()))
	if !tty {
		color.NoColor = true
	}
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
		tty:   tty,
	}
}

// busy runs fn behind a spinner when stdout is a terminal.
func (u *ui) busy(label string, fn func() error) error {
	if !u.tty {
		return fn()
	}
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + label
	spin.Start()
	defer spin.Stop()
	return fn()
}

type globals struct {
	baseURL string
	token   string
	profile string
	timeout time.Duration
	json    bool
	role    string
}

func (g *globals) client() (*client, error) {
	if strings.TrimSpace(g.baseURL) == "" {
		return nil, errors.New("base URL is required (podflow config set --base-url ...)")
	}
	return newClient(g.baseURL, g.token, g.timeout), nil
}

func main() {
	g := &globals{
		baseURL: getenv("PODFLOW_BASE_URL", "http://localhost:8080"),
		token:   getenv("PODFLOW_TOKEN", ""),
		profile: getenv("PODFLOW_PROFILE", ""),
	}
	ui := newUI()

	root := &cobra.Command{
		Use:   "podflow",
		Short: "podflow CLI",
		Long:  "podflow CLI for agent pipelines and image generation jobs.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&g.baseURL, "base-url", g.baseURL, "Coordinator base URL")
	root.PersistentFlags().StringVar(&g.token, "token", g.token, "Bearer token")
	root.PersistentFlags().StringVar(&g.profile, "profile", g.profile, "Config profile")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Minute, "HTTP timeout per request")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print raw JSON replies")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath())
		if err != nil {
			return err
		}
		prof := cfg.Profiles[resolveProfileName(g.profile, cfg)]
		flags := cmd.Flags()
		if !flags.Changed("base-url") && os.Getenv("PODFLOW_BASE_URL") == "" && prof.BaseURL != "" {
			g.baseURL = prof.BaseURL
		}
		if !flags.Changed("token") && os.Getenv("PODFLOW_TOKEN") == "" && prof.Token != "" {
			g.token = prof.Token
		}
		g.role = prof.Role
		return nil
	}

	root.AddCommand(planCmd(g, ui))
	root.AddCommand(chainCmd(g, ui))
	root.AddCommand(generateCmd(g, ui))
	root.AddCommand(runCmd(g, ui))
	root.AddCommand(generationCmd(g, ui))
	root.AddCommand(configCmd(g, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func planCmd(g *globals, ui *ui) *cobra.Command {
	var role, webhook string
	cmd := &cobra.Command{
		Use:     "plan <goal>",
		Short:   "Run planner, executor and critic for a goal",
		Example: `podflow plan "launch a fox mug line" --role designer`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			req := runReq{Goal: strings.Join(args, " "), Role: firstNonEmpty(role, g.role), Webhook: webhook}
			var (
				run runView
				raw []byte
			)
			err = ui.busy("Running pipeline...", func() error {
				run, raw, err = c.runPipeline(req)
				return err
			})
			return printRun(os.Stdout, ui, g.json, run, raw, err)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role persona for every stage")
	cmd.Flags().StringVar(&webhook, "webhook", "", "Result webhook URL")
	return cmd
}

func chainCmd(g *globals, ui *ui) *cobra.Command {
	var (
		tasks   []string
		role    string
		webhook string
	)
	cmd := &cobra.Command{
		Use:     "chain",
		Short:   "Run tasks in order, each seeing the results before it",
		Example: `podflow chain --task "name the product" --task "write a slogan"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tasks) == 0 {
				return errors.New("at least one --task is required")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			req := runReq{Tasks: tasks, Role: firstNonEmpty(role, g.role), Webhook: webhook}
			var (
				run runView
				raw []byte
			)
			err = ui.busy(fmt.Sprintf("Running %d tasks...", len(tasks)), func() error {
				run, raw, err = c.runChain(req)
				return err
			})
			return printRun(os.Stdout, ui, g.json, run, raw, err)
		},
	}
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "Task (repeatable, runs in order)")
	cmd.Flags().StringVar(&role, "role", "", "Role persona for every task")
	cmd.Flags().StringVar(&webhook, "webhook", "", "Result webhook URL")
	return cmd
}

func generateCmd(g *globals, ui *ui) *cobra.Command {
	var (
		prompt   string
		negative string
		steps    int
		width    int
		height   int
		seed     int64
		publish  bool
		title    string
		webhook  string
		wait     bool
		interval time.Duration
		maxWait  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Submit an image generation job",
		Example: `podflow generate --prompt "a red fox in snow" --publish --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return errors.New("--prompt is required")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			body := map[string]any{"prompt": prompt}
			if negative != "" {
				body["negativePrompt"] = negative
			}
			if steps > 0 {
				body["steps"] = steps
			}
			if width > 0 {
				body["width"] = width
			}
			if height > 0 {
				body["height"] = height
			}
			if seed != 0 {
				body["seed"] = seed
			}
			if publish {
				body["publish"] = true
			}
			if title != "" {
				body["title"] = title
			}
			if webhook != "" {
				body["webhook"] = webhook
			}

			var (
				job generationView
				raw []byte
			)
			err = ui.busy("Submitting job...", func() error {
				job, raw, err = c.createGeneration(body)
				return err
			})
			if err != nil {
				return err
			}
			if !wait {
				if g.json {
					fmt.Println(string(raw))
					return nil
				}
				fmt.Printf("%s Generation submitted: %s\n", ui.ok("[OK]"), job.ID)
				return nil
			}
			job, raw, err = waitGeneration(c, job.ID, interval, maxWait, progressWriter(ui))
			if err != nil {
				return err
			}
			return printGeneration(os.Stdout, ui, g.json, job, raw)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Positive prompt")
	cmd.Flags().StringVar(&negative, "negative-prompt", "", "Negative prompt")
	cmd.Flags().IntVar(&steps, "steps", 0, "Sampling steps")
	cmd.Flags().IntVar(&width, "width", 0, "Image width")
	cmd.Flags().IntVar(&height, "height", 0, "Image height")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Noise seed (0 = random)")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the first image as a product")
	cmd.Flags().StringVar(&title, "title", "", "Product title")
	cmd.Flags().StringVar(&webhook, "webhook", "", "Result webhook URL")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "Status check interval with --wait")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 15*time.Minute, "Give up waiting after this long")
	return cmd
}

func progressWriter(ui *ui) io.Writer {
	if ui.tty {
		return os.Stderr
	}
	return io.Discard
}

// waitGeneration checks the stored job until it is terminal or maxWait
// passes, ticking a progress spinner on w.
func waitGeneration(c *client, id string, interval, maxWait time.Duration, w io.Writer) (generationView, []byte, error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Waiting for "+id),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer func() { _ = bar.Finish() }()

	deadline := time.Now().Add(maxWait)
	for {
		job, raw, err := c.getGeneration(id)
		if err != nil {
			return job, raw, err
		}
		_ = bar.Add(1)
		bar.Describe(fmt.Sprintf("%s %s (%d polls)", id, job.Status, job.PollAttempts))
		if job.terminal() {
			return job, raw, nil
		}
		if time.Now().Add(interval).After(deadline) {
			return job, raw, fmt.Errorf("gave up waiting for %s after %s (status %s)", id, maxWait, job.Status)
		}
		time.Sleep(interval)
	}
}

func runCmd(g *globals, ui *ui) *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Pipeline run operations"}
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a stored pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var (
				r   runView
				raw []byte
			)
			err = ui.busy("Fetching run...", func() error {
				r, raw, err = c.getRun(args[0])
				return err
			})
			if err != nil {
				return err
			}
			return printRun(os.Stdout, ui, g.json, r, raw, nil)
		},
	}
	run.AddCommand(get)
	return run
}

func generationCmd(g *globals, ui *ui) *cobra.Command {
	gen := &cobra.Command{Use: "generation", Short: "Generation job operations"}
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a stored generation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var (
				job generationView
				raw []byte
			)
			err = ui.busy("Fetching generation...", func() error {
				job, raw, err = c.getGeneration(args[0])
				return err
			})
			if err != nil {
				return err
			}
			return printGeneration(os.Stdout, ui, g.json, job, raw)
		},
	}
	gen.AddCommand(get)
	return gen
}

func configCmd(g *globals, ui *ui) *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage CLI profiles"}

	var (
		baseURL   string
		token     string
		role      string
		tokenRead bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Store settings in the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("base-url") && !flags.Changed("token") && !flags.Changed("role") && !tokenRead {
				return errors.New("provide --base-url, --token, --role or --read-token")
			}
			path := configPath()
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			active := resolveProfileName(g.profile, cfg)
			prof := cfg.Profiles[active]
			if flags.Changed("base-url") {
				prof.BaseURL = strings.TrimSpace(baseURL)
			}
			if tokenRead {
				if token, err = promptSecret("Token"); err != nil {
					return err
				}
			}
			if tokenRead || flags.Changed("token") {
				prof.Token = strings.TrimSpace(token)
			}
			if flags.Changed("role") {
				prof.Role = strings.TrimSpace(role)
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || g.profile != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Printf("%s Profile '%s' saved to %s\n", ui.ok("[OK]"), active, path)
			return nil
		},
	}
	// local flags shadow the persistent ones so they can be stored
	set.Flags().StringVar(&baseURL, "base-url", "", "Coordinator base URL")
	set.Flags().StringVar(&token, "token", "", "Bearer token")
	set.Flags().StringVar(&role, "role", "", "Default role persona")
	set.Flags().BoolVar(&tokenRead, "read-token", false, "Prompt for the token without echo")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active profile (token masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			active := resolveProfileName(g.profile, cfg)
			prof := cfg.Profiles[active]
			fmt.Printf("%s %s\n", ui.title("Profile:"), active)
			fmt.Printf("  %-9s %s\n", "config", ui.dim(path))
			fmt.Printf("  %-9s %s\n", "baseUrl", emptyOr(prof.BaseURL, "<unset>"))
			fmt.Printf("  %-9s %s\n", "token", maskToken(prof.Token))
			fmt.Printf("  %-9s %s\n", "role", emptyOr(prof.Role, "<default>"))
			return nil
		},
	}
	cfgCmd.AddCommand(set, show)
	return cfgCmd
}

func printRun(w io.Writer, ui *ui, asJSON bool, run runView, raw []byte, runErr error) error {
	if asJSON && raw != nil {
		fmt.Fprintln(w, string(raw))
		return runErr
	}
	if run.ID == "" {
		return runErr
	}
	fmt.Fprintf(w, "%s %s %s\n", ui.title("Run"), run.ID, ui.dim(run.Kind))
	for _, s := range run.Stages {
		fmt.Fprintf(w, "\n%s %s\n%s\n", ui.info("["+strings.ToUpper(s.Stage)+"]"), ui.dim(s.Model), s.Output)
	}
	for i, r := range run.Results {
		fmt.Fprintf(w, "\n%s %s %s\n%s\n", ui.info(fmt.Sprintf("[%d]", i+1)), r.Task, ui.dim(r.Model), r.Result)
	}
	if runErr != nil {
		fmt.Fprintf(w, "\n%s failed at %s: %s\n", ui.err("[FAILED]"), run.FailedStage, run.Error)
		return runErr
	}
	fmt.Fprintf(w, "\n%s %s\n", ui.ok("[OK]"), run.Status)
	return nil
}

func printGeneration(w io.Writer, ui *ui, asJSON bool, job generationView, raw []byte) error {
	if asJSON {
		fmt.Fprintln(w, string(raw))
		return nil
	}
	status := ui.info(job.Status)
	switch job.Status {
	case "COMPLETED":
		status = ui.ok(job.Status)
	case "FAILED", "TIMED_OUT", "CANCELLED":
		status = ui.err(job.Status)
	}
	fmt.Fprintf(w, "%s %s %s %s\n", ui.title("Generation"), job.ID, status, ui.dim(fmt.Sprintf("(%d polls)", job.PollAttempts)))
	if job.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", job.Error)
	}
	for _, a := range job.Artifacts {
		fmt.Fprintf(w, "  %s %s\n", ui.dim(a.Source), a.URI)
	}
	if job.Publish != nil {
		fmt.Fprintf(w, "  product %s published=%t\n", job.Publish.ProductID, job.Publish.Published)
	}
	if job.PublishWarning != "" {
		fmt.Fprintf(w, "  %s %s\n", ui.warn("[WARN]"), job.PublishWarning)
	}
	if job.PublishError != "" {
		fmt.Fprintf(w, "  %s %s\n", ui.err("[PUBLISH]"), job.PublishError)
	}
	return nil
}

func helpTemplate(ui *ui) string {
	title := ui.title("podflow")
	return fmt.Sprintf(`%s: CLI for the podflow coordinator

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  podflow config set --base-url http://localhost:8080 --read-token
  podflow plan "launch a fox mug line" --role designer
  podflow chain --task "name the product" --task "write a slogan"
  podflow generate --prompt "a red fox in snow" --wait
  podflow generation get <id>

`, title, configPath())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
