package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ormasoftchile/sequencer/pkg/config"
	"github.com/ormasoftchile/sequencer/pkg/hal"
	"github.com/ormasoftchile/sequencer/pkg/logging"
	"github.com/ormasoftchile/sequencer/pkg/preview"
	"github.com/ormasoftchile/sequencer/pkg/prompt"
	"github.com/ormasoftchile/sequencer/pkg/protocol"
	"github.com/ormasoftchile/sequencer/pkg/runtime"
	"github.com/spf13/cobra"
)

// ProtocolExt is the protocol file extension produced by the editor.
const ProtocolExt = ".454sp.json"

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sequencer",
	Short: "Host controller for the 454 sequencing instrument",
	Long:  "sequencer — validates and executes sequencing protocols against the instrument's hardware abstraction layer, with live preview decoding and run traceability.",
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".454", "config.yaml")
	}
	return config.Load(path)
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [protocol" + ProtocolExt + "]",
	Short: "Validate a protocol file against the schema and domain rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	errs := protocol.ValidateFile(filePath)
	if len(errs) > 0 {
		var errors []*protocol.ValidationError
		var warnings []*protocol.ValidationError
		for _, e := range errs {
			if e.Severity == "warning" {
				warnings = append(warnings, e)
			} else {
				errors = append(errors, e)
			}
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", w.Phase, w.Message)
			if w.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", w.Path)
			}
		}
		if len(errors) > 0 {
			fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errors))
			for i, e := range errors {
				fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
				if e.Path != "" {
					fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
				}
			}
			return fmt.Errorf("validation failed with %d error(s)", len(errors))
		}
	}

	root, count, err := protocol.LoadFile(filePath)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", root.Label, count)
	return nil
}

// --- run ---

var (
	runYes     bool
	runNoMock  bool
	runPreview bool
)

var runCmd = &cobra.Command{
	Use:   "run [protocol" + ProtocolExt + "]",
	Short: "Execute a protocol on the instrument",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	if !strings.HasSuffix(filePath, ProtocolExt) {
		fmt.Fprintf(os.Stderr, "  ⚠ %s does not have the %s extension\n", filePath, ProtocolExt)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Init("sequencer", flagVerbose)

	// Validate first
	if errs := protocol.ValidateFile(filePath); len(errs) > 0 {
		hasErrors := false
		for _, e := range errs {
			if e.Severity == "warning" {
				fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			} else {
				hasErrors = true
				fmt.Fprintf(os.Stderr, "  ✗ [%s] %s\n", e.Phase, e.Message)
			}
		}
		if hasErrors {
			return fmt.Errorf("protocol validation failed")
		}
	}

	root, count, err := protocol.LoadFile(filePath)
	if err != nil {
		return err
	}
	fmt.Printf("Protocol: %s (%d steps)\n", root.Label, count)

	// Pick the transport: real instrument when reachable, simulated
	// otherwise so protocols can be rehearsed without hardware.
	var transport hal.Transport
	mock := false
	endpoint := cfg.HALEndpoint()
	if hal.Probe("tcp", endpoint, 2*time.Second) {
		transport = &hal.NetTransport{
			Network:         "tcp",
			Address:         endpoint,
			PollInterval:    cfg.PollInterval.Std(),
			ResponseTimeout: cfg.ResponseTimeout.Std(),
		}
	} else {
		if runNoMock {
			return fmt.Errorf("no instrument at %s", endpoint)
		}
		fmt.Printf("  ⚠ no instrument at %s — running in mock mode\n", endpoint)
		transport = &hal.MockTransport{}
		mock = true
	}

	client := hal.NewClient(transport, logging.Component(log, "hal"))
	client.HeaterRetryDelay = cfg.HeaterRetryDelay.Std()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Capability discovery is best-effort; a HAL that cannot answer still
	// accepts commands.
	if md, err := client.GetMetadata(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "  ⚠ get_metadata failed: %v\n", err)
	} else {
		fmt.Printf("Instrument: %s (hal %s)\n", md.SerialNumber, md.HALVersion)
		fmt.Printf("  temperature control: %v\n", bool(md.TemperatureControl))
		fmt.Printf("  filter servo:        %v\n", bool(md.FilterServoControl))
	}

	// Confirmation prompts arrive from the hardware over the prompt port.
	var confirmer prompt.Confirmer = &prompt.ReadlineConfirmer{}
	if runYes {
		confirmer = &prompt.AutoConfirmer{Answer: true}
	}
	promptSrv := &prompt.Server{
		Network:   "tcp",
		Address:   cfg.PromptEndpoint(),
		Confirmer: confirmer,
		Log:       logging.Component(log, "prompt"),
	}
	go func() {
		if err := promptSrv.ListenAndServe(ctx); err != nil {
			log.Warn().Err(err).Msg("prompt server stopped")
		}
	}()

	if runPreview {
		decoder := &preview.Decoder{
			Network:        "tcp",
			Address:        cfg.PreviewEndpoint(),
			ReconnectDelay: cfg.PreviewBackoff.Std(),
			Sink: preview.FrameSinkFunc(func(f *preview.Frame) {
				log.Debug().Int("width", f.Width).Int("height", f.Height).Uint64("seq", f.Seq).Msg("preview frame")
			}),
			Log: logging.Component(log, "preview"),
		}
		go decoder.Stream(ctx)
	}

	engine := runtime.NewEngine(client, cfg.OutputRoot, logging.Component(log, "engine"))
	engine.HeaterMaxTries = cfg.HeaterMaxTries

	fmt.Println("\nPress Ctrl-C to stop the run.")
	report, err := engine.Run(ctx, root, runtime.RunOptions{
		ProtocolPath: filePath,
		Mock:         mock,
		Observer: func(rc *runtime.RunContext) {
			step := rc.Step()
			indent := strings.Repeat("  ", step.Depth+1)
			fmt.Printf("%s▸ %s: %s (%s)\n", indent, step.ReadableKind(), step.Label, step.Details())
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nRun %s: %s\n", report.RunID, report.Status)
	fmt.Printf("  %d steps, %d cleaves, %s\n",
		report.Steps, report.Cleaves, report.EndedAt.Sub(report.StartedAt).Round(time.Second))
	fmt.Printf("  Output: %s\n", report.Dir)
	if report.Err != nil {
		fmt.Fprintf(os.Stderr, "  ✗ %v\n", report.Err)
	}
	if report.HeaterErr != nil {
		fmt.Fprintln(os.Stderr, "\n  ✗✗✗ HEATER SHUTDOWN FAILED — power down the instrument manually ✗✗✗")
		fmt.Fprintf(os.Stderr, "  %v\n", report.HeaterErr)
	}
	if report.Status == runtime.StatusFailed || report.HeaterErr != nil {
		os.Exit(1)
	}
	return nil
}

// --- preview ---

var previewOut string

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Decode the live-preview stream and log frame geometry",
	RunE:  runPreviewCmd,
}

func runPreviewCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Init("sequencer", flagVerbose)

	if previewOut != "" {
		if err := os.MkdirAll(previewOut, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	decoder := &preview.Decoder{
		Network:        "tcp",
		Address:        cfg.PreviewEndpoint(),
		ReconnectDelay: cfg.PreviewBackoff.Std(),
		Log:            logging.Component(log, "preview"),
		Sink: preview.FrameSinkFunc(func(f *preview.Frame) {
			fmt.Printf("  frame %d: %dx%d format=%d %d bytes\n",
				f.Seq, f.Width, f.Height, f.Format, len(f.Data))
			if previewOut != "" {
				name := fmt.Sprintf("frame_%06d_%dx%d.raw", f.Seq, f.Width, f.Height)
				if err := os.WriteFile(filepath.Join(previewOut, name), f.Data, 0644); err != nil {
					fmt.Fprintf(os.Stderr, "  ⚠ save frame: %v\n", err)
				}
			}
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Printf("Decoding preview stream from %s (Ctrl-C to stop)\n", cfg.PreviewEndpoint())
	decoder.Stream(ctx)
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the protocol JSON Schema to stdout",
	RunE:  runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	data, err := protocol.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	var out json.RawMessage = data
	formatted, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(string(formatted))
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sequencer %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config YAML (default ~/.454/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Answer hardware confirmation prompts with yes")
	runCmd.Flags().BoolVar(&runNoMock, "no-mock", false, "Fail instead of simulating when no instrument is reachable")
	runCmd.Flags().BoolVar(&runPreview, "preview", false, "Decode the live-preview stream during the run")

	previewCmd.Flags().StringVar(&previewOut, "out", "", "Directory to save raw frame payloads to")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
