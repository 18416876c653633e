package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/MrCodeEU/sabhapass/pkg/config"
	"github.com/MrCodeEU/sabhapass/pkg/gate"
	"github.com/MrCodeEU/sabhapass/pkg/logging"
	"github.com/MrCodeEU/sabhapass/pkg/storage"
)

const version = "0.3.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// Exit codes:
//
//	0 = success
//	1 = failure (not verified, face not recognized, usage)
//	2 = retry (timeout, session ended)
//	3 = system error (camera, storage)
const (
	exitOK      = 0
	exitFailure = 1
	exitRetry   = 2
	exitSystem  = 3
)

func init() {
	commands = map[string]*Command{
		"replay": {
			Name:        "replay",
			Description: "Run liveness verification over a recorded landmark stream",
			Usage:       "sabhapass replay [-speed N] [-attempts N] [-still image] [-zoom Z] [-facing user|environment] <file.jsonl>",
			Run:         cmdReplay,
		},
		"captures": {
			Name:        "captures",
			Description: "List stored captures",
			Usage:       "sabhapass captures",
			Run:         cmdCaptures,
		},
		"remove": {
			Name:        "remove",
			Description: "Remove a stored capture",
			Usage:       "sabhapass remove <capture-id>",
			Run:         cmdRemove,
		},
		"models": {
			Name:        "models",
			Description: "Download the face descriptor models",
			Usage:       "sabhapass models [directory]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "sabhapass config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "sabhapass version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "sabhapass help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	// Parse global flags
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", "", "Path to .env file (default ./.env)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Get remaining args after flags
	args := flag.Args()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	// Load configuration
	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
	}

	// Expand paths in config
	cfg.ExpandPaths()

	// Initialize logging
	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	logging.UseJSON(cfg.Logging.Format == logging.FormatJSON)
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer logging.Close()

	logging.Debugf("SabhaPass v%s starting", version)
	logging.Debugf("Config loaded, profile: %s, storage dir: %s", cfg.Liveness.Profile, cfg.Storage.DataDir)

	// Show usage if no command provided
	if len(args) < 1 {
		printUsage()
		return
	}

	// Find and run command
	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		logging.Close()
		os.Exit(exitFailure)
	}

	// Run the command
	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Close()
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch gate.CodeOf(err) {
	case gate.CodeTimeout, gate.CodeSessionEnded:
		return exitRetry
	case gate.CodeCamera, gate.CodeStorage:
		return exitSystem
	}
	return exitFailure
}

func printUsage() {
	fmt.Println("SabhaPass - Liveness verification for Gram Sabha sign-in")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: sabhapass [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -env <file>      Path to .env file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range []string{"replay", "captures", "remove", "models", "config", "version", "help"} {
		cmd := commands[name]
		fmt.Printf("  %-12s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  sabhapass replay session.jsonl                  # Verify a recorded session")
	fmt.Println("  sabhapass replay -still face.jpg session.jsonl  # Verify and capture a descriptor")
	fmt.Println("  SABHAPASS_PROFILE=attendance sabhapass replay s.jsonl")
	fmt.Println("\nRun 'sabhapass help <command>' for more information on a command.")
}

// Command implementations

func openStore() (*storage.FileStorage, error) {
	return storage.NewFileStorage(cfg.Storage.DataDir, cfg.Storage.EncryptionEnabled)
}

func cmdCaptures(args []string) error {
	logging.Debugf("Listing captures in %s", cfg.CapturesDir())

	store, err := openStore()
	if err != nil {
		return err
	}
	ids, err := store.ListCaptures()
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		fmt.Println("No captures stored.")
		return nil
	}

	fmt.Println("Stored captures:")
	for _, id := range ids {
		rec, err := store.LoadCapture(id)
		if err != nil {
			fmt.Printf("  - %s (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("  - %s  %s  profile=%s blinks=%d movements=%d\n",
			rec.ID, rec.CapturedAt.Local().Format("2006-01-02 15:04:05"), rec.Profile, rec.BlinkCount, rec.MovementCount)
	}
	fmt.Printf("\nTotal: %d capture(s)\n", len(ids))

	return nil
}

func cmdRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("capture id required\nUsage: sabhapass remove <capture-id>")
	}
	id := args[0]

	store, err := openStore()
	if err != nil {
		return err
	}

	logging.Infof("Removing capture: %s", id)
	if err := store.DeleteCapture(id); err != nil {
		return fmt.Errorf("failed to remove capture %s: %w", id, err)
	}

	fmt.Printf("Capture %s has been removed.\n", id)
	return nil
}

func cmdConfig(args []string) error {
	logging.Debugf("Showing configuration")

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Liveness]")
	fmt.Printf("  Profile:         %s\n", cfg.Liveness.Profile)
	for _, name := range cfg.ProfileNames() {
		p := cfg.Liveness.Profiles[name]
		fmt.Printf("    %-14s blinks=%d movements=%d\n", name+":", p.Blink, p.Movement)
	}
	fmt.Printf("  Min Landmarks:   %d\n", cfg.Liveness.MinLandmarks)
	fmt.Printf("  Blink Window:    %d-%d ms (closed below %.0f%% of baseline)\n",
		cfg.Liveness.Blink.MinDurationMs, cfg.Liveness.Blink.MaxDurationMs, cfg.Liveness.Blink.ClosedRatio*100)
	fmt.Printf("  Movement:        threshold %.4f, %d of %d frames\n",
		cfg.Liveness.Movement.Threshold, cfg.Liveness.Movement.MinMovingFrames, cfg.Liveness.Movement.HistorySize)
	fmt.Printf("  Timeout:         %d seconds\n", cfg.Liveness.Timeout)
	fmt.Println()
	fmt.Println("[View]")
	fmt.Printf("  Facing Mode:     %s\n", cfg.View.FacingMode)
	fmt.Printf("  Zoom:            1.0-%.1f (step %.2f)\n", cfg.View.MaxZoom, cfg.View.ZoomStep)
	fmt.Printf("  Size:            %dx%d\n", cfg.View.Width, cfg.View.Height)
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Printf("  JPEG Quality:    %d\n", cfg.Capture.JPEGQuality)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("\nWarning: configuration is invalid: %v\n", err)
	}
	return nil
}

func cmdVersion(args []string) error {
	fmt.Printf("SabhaPass v%s\n", version)
	fmt.Println("Liveness verification for Gram Sabha sign-in")
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	// Add specific help for each command
	switch cmdName {
	case "replay":
		fmt.Println("\nReplay Format:")
		fmt.Println("  One JSON object per line: {\"ts_ms\": <unix ms>, \"landmarks\": [{\"x\":..,\"y\":..,\"z\":..}, ...]}")
		fmt.Println("  A line without landmarks is a frame with no face.")
		fmt.Println("\nVerification:")
		fmt.Println("  1. Frames are fed to the engine at the recorded pace (-speed scales it)")
		fmt.Println("  2. The session passes once both blink and movement checks verify")
		fmt.Println("  3. With -still, the image is rendered through the view and a descriptor is stored")
		fmt.Println("\nExit Codes:")
		fmt.Println("  0 verified, 1 not verified or not recognized, 2 timed out, 3 system error")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Printf("  System: %s\n", config.SystemConfigPath)
		fmt.Printf("  User:   ~/%s\n", config.UserConfigPath)
		fmt.Println("\nEnvironment Overrides:")
		fmt.Printf("  %s, %s, %s, %s\n", config.EnvProfile, config.EnvLogLevel, config.EnvDataDir, config.EnvModelPath)
		fmt.Println("\nUse -config flag to specify a custom config file.")
	}

	return nil
}
