// kiln drives autonomous code generation against a local model server.
//
// One invocation runs one engine operation: an agentic turn (default),
// a full plan-and-build, a read-only chat answer, a session resume, or
// a status report. Interactive shells live outside this repository and
// drive the same engine API.
//
// Exit codes: 0 success, 1 engine error, 2 user abort, 3 no usable
// model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/engine"
	"github.com/kilnworks/kiln/internal/orchestrate"
	"github.com/kilnworks/kiln/internal/process"
	"github.com/kilnworks/kiln/internal/settings"
	"github.com/kilnworks/kiln/internal/telemetry"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	mode := flag.String("mode", "", "agent, build, chat, resume, or status (default from settings)")
	workspace := flag.String("C", "", "workspace directory (default from settings, else the current directory)")
	pull := flag.Bool("pull", false, "approve model downloads without asking")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiln [flags] <request>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry unavailable")
	} else {
		defer shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []engine.Option
	if *pull {
		opts = append(opts, engine.WithPullConsent(
			contracts.PullConsentFunc(func(context.Context, string) bool { return true })))
	}

	dir := *workspace
	if dir == "" {
		if s, err := settings.NewManager(cfg.Engine.DataDir).Load(); err == nil {
			dir = s.OutputDir
		}
	}
	if dir == "" {
		dir = "."
	}

	eng, err := engine.New(ctx, dir, cfg, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Engine initialization failed")
		return 1
	}
	defer eng.Close()

	selected := *mode
	if selected == "" {
		selected = eng.Settings().DefaultMode
	}
	if selected == "" {
		selected = "agent"
	}

	err = dispatch(ctx, eng, selected, strings.Join(flag.Args(), " "))
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrCancelled):
		log.Warn().Msg("Aborted")
		return 2
	case errors.Is(err, models.ErrModelUnavailable):
		log.Error().Err(err).Str("host", cfg.Ollama.Host).Msg("No usable model")
		return 3
	default:
		log.Error().Err(err).Msg("Operation failed")
		return 1
	}
}

func dispatch(ctx context.Context, eng *engine.Engine, mode, request string) error {
	switch mode {
	case "agent":
		if request == "" {
			return errors.New("agent mode needs a request, e.g. kiln \"add a dark theme\"")
		}
		res, err := eng.Agentic(ctx, request)
		if res != nil {
			printAgentic(res)
		}
		return err

	case "build":
		if request == "" {
			return errors.New("build mode needs a request, e.g. kiln -mode build \"todo web app\"")
		}
		res, err := eng.Build(ctx, request)
		if res.RunID != "" {
			printBuild(res)
		}
		return err

	case "chat":
		if request == "" {
			return errors.New("chat mode needs a message")
		}
		answer, err := eng.Chat(ctx, request)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil

	case "resume":
		res, err := eng.Resume(ctx)
		if res.RunID != "" {
			printBuild(res)
		}
		return err

	case "status":
		printStatus(eng.Status(ctx))
		return nil

	default:
		return fmt.Errorf("unknown mode %q (want agent, build, chat, resume, or status)", mode)
	}
}

func printAgentic(res *models.AgenticResult) {
	if res.Display != "" {
		fmt.Println(res.Display)
	}
	for _, path := range res.Files {
		fmt.Printf("wrote %s\n", path)
	}
	for _, run := range res.Runs {
		if run.Background {
			fmt.Printf("started [%d] %s\n", run.PID, run.Command)
			continue
		}
		fmt.Printf("ran %s (exit %d)\n", run.Command, run.ExitCode)
		if out := process.Truncate(run.Output, process.DisplayLines); out != "" {
			fmt.Println(out)
		}
	}
	for _, cmd := range res.Suggested {
		fmt.Printf("suggested: %s\n", cmd)
	}
	for _, cmd := range res.Blocked {
		fmt.Printf("blocked dangerous command: %s\n", cmd)
	}
	if res.FixRounds > 0 {
		fmt.Printf("auto-fix rounds: %d\n", res.FixRounds)
	}
}

func printBuild(res orchestrate.BuildResult) {
	switch {
	case res.Paused:
		fmt.Printf("build paused after wave %d, resume with kiln -mode resume\n", res.Waves)
	case res.Completed:
		fmt.Printf("build completed: %d tasks verified in %d waves\n", res.Verified, res.Waves)
	default:
		fmt.Printf("build finished: %d verified, %d failed, %d skipped\n",
			res.Verified, res.Failed, res.Skipped)
	}
}

func printStatus(st engine.Status) {
	fmt.Printf("workspace:  %s\n", st.Workspace)
	fmt.Printf("version:    %s\n", st.Version)
	fmt.Printf("settings:   %s\n", st.SettingsPath)
	if st.ServerReachable {
		fmt.Printf("models:     %s\n", strings.Join(st.InstalledModels, ", "))
	} else {
		fmt.Println("models:     model server unreachable")
	}
	switch {
	case !st.Session.Present:
		fmt.Println("session:    none")
	case !st.Session.Resumable:
		fmt.Println("session:    present but not resumable (version mismatch)")
	default:
		fmt.Printf("session:    %s, %d/%d tasks verified, saved %s\n",
			st.Session.RunID, st.Session.Verified, st.Session.Tasks,
			st.Session.SavedAt.Format(time.RFC3339))
	}
	for _, bg := range st.Background {
		fmt.Printf("background: [%d] %s since %s\n", bg.PID, bg.Command, bg.Started.Format("15:04:05"))
	}
}
