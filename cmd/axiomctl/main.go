package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type client struct {
	baseURL    string
	workerKey  string
	httpClient *http.Client
}

type jobRecord struct {
	Request struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Prompt string `json:"prompt"`
	} `json:"request"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Route    string `json:"route,omitempty"`
}

type queueStats struct {
	Type       string `json:"type"`
	Ready      int64  `json:"ready"`
	Delayed    int64  `json:"delayed"`
	InProgress int64  `json:"inProgress"`
	DLQ        int64  `json:"dlq"`
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

type profile struct {
	BaseURL   string `yaml:"baseUrl"`
	WorkerKey string `yaml:"workerKey"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.workerKey != "" {
		req.Header.Set("X-Worker-Key", c.workerKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func main() {
	baseURL := getenv("AXIOM_BASE_URL", "http://localhost:8080")
	workerKey := getenv("AXIOM_WORKER_KEY", "")
	profileName := getenv("AXIOM_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "axiomctl",
		Short: "axiom workers CLI",
		Long:  "CLI for submitting, watching, and cancelling generation jobs.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL of the worker daemon")
	root.PersistentFlags().StringVar(&workerKey, "worker-key", workerKey, "Shared worker key")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("AXIOM_BASE_URL")); v != "" {
				baseURL = v
			} else if prof.BaseURL != "" {
				baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("worker-key") {
			if v := strings.TrimSpace(os.Getenv("AXIOM_WORKER_KEY")); v != "" {
				workerKey = v
			} else if prof.WorkerKey != "" {
				workerKey = prof.WorkerKey
			}
		}
		if !flags.Changed("profile") && profileName == "" && active != "" {
			profileName = active
		}
		return nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(authCmd(&profileName, ui))
	root.AddCommand(jobCmd(&baseURL, &workerKey, ui))
	root.AddCommand(queueCmd(&baseURL, &workerKey, ui))
	root.AddCommand(resourcesCmd(&baseURL, &workerKey, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func initCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		baseURL   string
		workerKey string
		noPrompt  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			if baseURL == "" {
				baseURL = prof.BaseURL
			}
			if baseURL == "" {
				baseURL = "http://localhost:8080"
			}
			if workerKey == "" {
				workerKey = prof.WorkerKey
			}

			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				baseURL = prompt(reader, "Base URL", baseURL)
				if workerKey == "" {
					k, err := promptSecret("Worker key (optional)")
					if err != nil {
						return err
					}
					workerKey = k
				}
			}

			prof.BaseURL = strings.TrimSpace(baseURL)
			if workerKey != "" {
				prof.WorkerKey = strings.TrimSpace(workerKey)
			}

			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}

			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL of the worker daemon")
	cmd.Flags().StringVar(&workerKey, "worker-key", "", "Shared worker key")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func authCmd(profileName *string, ui *ui) *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored worker key",
	}

	var workerKey string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the worker key in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(workerKey)
			if key == "" {
				k, err := promptSecret("Worker key")
				if err != nil {
					return err
				}
				key = k
			}
			if key == "" {
				return errors.New("worker key is required")
			}
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			prof.WorkerKey = key
			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Worker key updated for '%s'\n", ui.ok("[OK]"), active)
			return nil
		},
	}
	set.Flags().StringVar(&workerKey, "worker-key", "", "Shared worker key")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			fmt.Printf("%s Profile: %s\n", ui.title("axiomctl"), active)
			fmt.Printf("%s Base URL:   %s\n", ui.info("•"), emptyOr(prof.BaseURL, "<unset>"))
			fmt.Printf("%s Worker key: %s\n", ui.info("•"), maskToken(prof.WorkerKey))
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear the stored worker key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]
			prof.WorkerKey = ""
			cfg.Profiles[active] = prof
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Worker key cleared for '%s'\n", ui.ok("[OK]"), active)
			return nil
		},
	}

	auth.AddCommand(set, show, clear)
	return auth
}

func jobCmd(baseURL, workerKey *string, ui *ui) *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Job operations",
	}

	var (
		jobType        string
		promptText     string
		negativePrompt string
		priority       int
		paramsJSON     string
		paramKVs       []string
		delaySecs      int
		userID         string
		projectID      string
		watch          bool
	)

	submit := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a generation job",
		Example: `axiomctl job submit --type image --prompt "a lighthouse at dusk" --param width=768`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(jobType) == "" {
				return errors.New("type is required (image, video, or mesh)")
			}
			params := map[string]any{}
			if strings.TrimSpace(paramsJSON) != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid params JSON: %w", err)
				}
			}
			for _, kv := range paramKVs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid param: %s (expected key=value)", kv)
				}
				params[strings.TrimSpace(k)] = parseParamValue(strings.TrimSpace(v))
			}

			body := map[string]any{
				"type":     jobType,
				"prompt":   promptText,
				"priority": priority,
			}
			if negativePrompt != "" {
				body["negativePrompt"] = negativePrompt
			}
			if len(params) > 0 {
				body["parameters"] = params
			}
			if delaySecs > 0 {
				body["delaySeconds"] = delaySecs
			}
			if userID != "" {
				body["userId"] = userID
			}
			if projectID != "" {
				body["projectId"] = projectID
			}

			c := newClient(*baseURL, *workerKey)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Submitting job..."
			spin.Start()
			status, resp, err := c.request("POST", "/v1/jobs", body)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var rec jobRecord
			if err := json.Unmarshal(resp, &rec); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			fmt.Printf("%s Job accepted: %s\n", ui.ok("[OK]"), rec.Request.ID)
			if watch {
				return watchJob(c, rec.Request.ID, ui)
			}
			return nil
		},
	}
	submit.Flags().StringVar(&jobType, "type", "", "Media type: image, video, or mesh")
	submit.Flags().StringVar(&promptText, "prompt", "", "Generation prompt")
	submit.Flags().StringVar(&negativePrompt, "negative-prompt", "", "Negative prompt")
	submit.Flags().IntVar(&priority, "priority", 5, "Priority (1-10)")
	submit.Flags().StringVar(&paramsJSON, "params-json", "", "Parameters as a JSON object")
	submit.Flags().StringArrayVar(&paramKVs, "param", nil, "Parameter override (key=value, repeatable)")
	submit.Flags().IntVar(&delaySecs, "delay-seconds", 0, "Delay visibility by N seconds")
	submit.Flags().StringVar(&userID, "user-id", "", "Owning user id")
	submit.Flags().StringVar(&projectID, "project-id", "", "Owning project id")
	submit.Flags().BoolVar(&watch, "watch", false, "Watch progress until the job is terminal")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *workerKey)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching job..."
			spin.Start()
			status, resp, err := c.request("GET", "/v1/jobs/"+url.PathEscape(args[0]), nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			fmt.Println(string(resp))
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Watch a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(newClient(*baseURL, *workerKey), args[0], ui)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *workerKey)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Cancelling job..."
			spin.Start()
			status, resp, err := c.request("DELETE", "/v1/jobs/"+url.PathEscape(args[0]), nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var rec jobRecord
			if err := json.Unmarshal(resp, &rec); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			fmt.Printf("%s Job %s is now %s\n", ui.ok("[OK]"), rec.Request.ID, rec.Status)
			return nil
		},
	}

	job.AddCommand(submit, get, watchCmd, cancel)
	return job
}

func watchJob(c *client, id string, ui *ui) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetWidth(24),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for {
		status, resp, err := c.request("GET", "/v1/jobs/"+url.PathEscape(id), nil)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("error (%d): %s", status, string(resp))
		}
		var rec jobRecord
		if err := json.Unmarshal(resp, &rec); err != nil {
			return err
		}
		_ = bar.Set(rec.Progress)

		switch rec.Status {
		case "completed":
			_ = bar.Finish()
			fmt.Printf("%s Job %s completed\n", ui.ok("[OK]"), id)
			return nil
		case "failed":
			fmt.Println()
			return fmt.Errorf("job failed: %s", rec.Error)
		case "cancelled":
			fmt.Println()
			fmt.Printf("%s Job %s cancelled\n", ui.warn("[WARN]"), id)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func queueCmd(baseURL, workerKey *string, ui *ui) *cobra.Command {
	inspect := &cobra.Command{
		Use:     "inspect",
		Short:   "Inspect queue depths",
		Example: "axiomctl queue inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *workerKey)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Inspecting queues..."
			spin.Start()
			status, resp, err := c.request("GET", "/v1/queues", nil)
			spin.Stop()
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var out struct {
				Queues []queueStats `json:"queues"`
			}
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			for _, q := range out.Queues {
				fmt.Printf("%-6s %s: %d | %s: %d | %s: %d | %s: %d\n",
					ui.title(q.Type),
					ui.ok("READY"), q.Ready,
					ui.warn("DELAYED"), q.Delayed,
					ui.info("IN_PROGRESS"), q.InProgress,
					ui.err("DLQ"), q.DLQ,
				)
			}
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue operations",
	}
	cmd.AddCommand(inspect)
	return cmd
}

func resourcesCmd(baseURL, workerKey *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show the accelerator snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *workerKey)
			status, resp, err := c.request("GET", "/v1/resources", nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return fmt.Errorf("error (%d): %s", status, string(resp))
			}
			var snap struct {
				Available  bool    `json:"available"`
				DeviceName string  `json:"deviceName"`
				TotalMiB   float64 `json:"totalMiB"`
				FreeMiB    float64 `json:"freeMiB"`
			}
			if err := json.Unmarshal(resp, &snap); err != nil {
				fmt.Println(string(resp))
				return nil
			}
			if !snap.Available {
				fmt.Printf("%s No accelerator available\n", ui.warn("[WARN]"))
				return nil
			}
			fmt.Printf("%s %s: %.0f MiB free of %.0f MiB\n",
				ui.ok("[OK]"), emptyOr(snap.DeviceName, "gpu"), snap.FreeMiB, snap.TotalMiB)
			return nil
		},
	}
}

func newClient(baseURL, workerKey string) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		workerKey:  workerKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func parseParamValue(v string) any {
	var num float64
	if err := json.Unmarshal([]byte(v), &num); err == nil {
		return num
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("axiomctl")
	return fmt.Sprintf(`%s — CLI for axiom workers

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
  axiomctl init
  axiomctl job submit --type image --prompt "a lighthouse at dusk" --watch
  axiomctl job watch 7c1d3a
  axiomctl queue inspect
  axiomctl resources

`, title, configPath())
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("AXIOM_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".axiom", "config.yaml")
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if v := strings.TrimSpace(os.Getenv("AXIOM_PROFILE")); v != "" {
		return v
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
