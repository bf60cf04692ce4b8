package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverlab/anomalyd/internal/log"
	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/service"
	"github.com/droverlab/anomalyd/internal/store"
)

var (
	userConfigPath string // default config directory for anomalyd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagJobsFilePath   string // value of --jobs flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "anomalyd")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is anomalyd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().StringVar(&flagJobsFilePath, "jobs", "", "YAML file with the jobs to open on startup")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initAnomalyd

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("anomalyd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "anomalyd",
	Short:        "Daemon orchestrating native anomaly detection workers",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run opens the configured jobs and serves them until interrupted",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of anomalyd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("anomalyd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("anomalyd: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx,
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)

	st, err := store.Open(config.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store %s: %w", config.Store.Path, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}()

	node, err := service.NewNode(config, st)
	if err != nil {
		return err
	}

	jobs, err := loadJobs(flagJobsFilePath)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := node.OpenJob(log.WithJob(ctx, job.ID), job); err != nil {
			return fmt.Errorf("opening job %s: %w", job.ID, err)
		}
	}

	return node.Run(ctx)
}

// jobSpec is the YAML shape of one job definition; durations are strings so
// bucket_span reads naturally ("5m", "1h").
type jobSpec struct {
	ID                        string `yaml:"id"`
	Description               string `yaml:"description"`
	BucketSpan                string `yaml:"bucket_span"`
	RenormalizationWindowDays int    `yaml:"renormalization_window_days"`
	RetentionDays             int    `yaml:"retention_days"`
	Detectors                 []struct {
		Function  string `yaml:"function"`
		FieldName string `yaml:"field_name"`
		ByField   string `yaml:"by_field"`
	} `yaml:"detectors"`
}

func loadJobs(path string) ([]model.Job, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}
	var specs []jobSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}

	jobs := make([]model.Job, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("jobs file: job with empty id")
		}
		span, err := model.ParseCueDuration(spec.BucketSpan)
		if err != nil {
			return nil, fmt.Errorf("jobs file: job %s bucket_span: %w", spec.ID, err)
		}
		job := model.Job{
			ID:                        spec.ID,
			Description:               spec.Description,
			BucketSpan:                span,
			RenormalizationWindowDays: spec.RenormalizationWindowDays,
			RetentionDays:             spec.RetentionDays,
		}
		for i, d := range spec.Detectors {
			job.Detectors = append(job.Detectors, model.Detector{
				Index:     i,
				Function:  d.Function,
				FieldName: d.FieldName,
				ByField:   d.ByField,
			})
		}
		if len(job.Detectors) == 0 {
			return nil, fmt.Errorf("jobs file: job %s has no detectors", spec.ID)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func initAnomalyd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ANOMALYDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "anomalyd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig("autodetect")
		configPath = filepath.Join(userConfigPath, "anomalyd.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose, config.Service.Log))

	slog.Debug("anomalyd run", "configPath", configPath)
	slog.Debug("anomalyd run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
