package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"mdm/internal/backend/progressive"
	"mdm/internal/backend/segmented"
	"mdm/internal/config"
	"mdm/internal/event"
	"mdm/internal/logger"
	"mdm/internal/orchestrator"
	"mdm/internal/status"
	"mdm/internal/store"
	"mdm/internal/task"
	"mdm/pkg/httpclient"
)

// consoleNotifier prints completion and failure notices to stdout.
type consoleNotifier struct{}

func (consoleNotifier) Notify(title, body string) {
	fmt.Printf("%s: %s\n", title, body)
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error reading configuration: %v\n", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Fatalf("Error creating state directory: %v\n", err)
	}

	err = logger.InitLogging(*debug, filepath.Join(cfg.StateDir, "mdm.log"))
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	sessionID, err := config.EnsureSessionID(cfg.StateDir)
	if err != nil {
		log.Fatalf("Error establishing session: %v\n", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatalf("Error opening state store: %v\n", err)
	}

	client := httpclient.NewClient()

	progressiveBackend, err := progressive.New(filepath.Join(cfg.Progressive.TempDir, sessionID), client)
	if err != nil {
		log.Fatalf("Error creating progressive backend: %v\n", err)
	}

	segmentedBackend, err := segmented.New(filepath.Join(cfg.Segmented.AssetDir, sessionID), client, cfg.Segmented.Connections)
	if err != nil {
		log.Fatalf("Error creating segmented backend: %v\n", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DownloadDir: cfg.DownloadDir,
		Progressive: progressiveBackend,
		Segmented:   segmentedBackend,
		Store:       st,
		Notifier:    consoleNotifier{},
	})
	if err != nil {
		log.Fatalf("Error creating orchestrator: %v\n", err)
	}

	events := make(chan event.Event, 64)
	orch.Publisher().Subscribe("cli", events)

	orch.Init()

	urls := flag.Args()
	if len(urls) == 0 {
		printLists(orch)
		orch.Shutdown()

		return
	}

	pending := make(map[uuid.UUID]bool, len(urls))

	for _, raw := range urls {
		id := orch.Start(raw, titleFor(raw))
		if id != uuid.Nil {
			pending[id] = true
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for len(pending) > 0 {
		select {
		case e := <-events:
			if e.Kind != event.TaskUpdated || e.Task == nil {
				continue
			}

			printUpdate(*e.Task)

			if pending[e.Task.ID] && e.Task.Status.Terminal() {
				delete(pending, e.Task.ID)
			}

		case sig := <-sigChan:
			fmt.Printf("\nReceived signal %v, shutting down\n", sig)
			orch.Shutdown()

			return
		}
	}

	orch.Shutdown()
}

func printUpdate(t task.Task) {
	switch t.Status {
	case status.Downloading:
		if t.BytesExpected > 0 {
			fmt.Printf("%-40s %5.1f%%  %s\n", t.Title, t.Percent(), t.SizeString())
		} else {
			fmt.Printf("%-40s %5.1f%%\n", t.Title, t.Percent())
		}
	case status.Completed:
		fmt.Printf("%-40s done   %s\n", t.Title, t.CompletedLocation)
	case status.Failed:
		fmt.Printf("%-40s failed %s\n", t.Title, t.ErrorMessage)
	default:
		fmt.Printf("%-40s %s\n", t.Title, t.Status)
	}
}

func printLists(orch *orchestrator.Orchestrator) {
	active := orch.ListActive()
	if len(active) > 0 {
		fmt.Println("Active:")

		for _, t := range active {
			fmt.Printf("  %-40s %s\n", t.Title, t.Status)
		}
	}

	completed := orch.ListCompleted()
	if len(completed) > 0 {
		fmt.Println("Completed:")

		for _, t := range completed {
			fmt.Printf("  %-40s %s\n", t.Title, t.CompletedLocation)
		}
	}

	if len(active) == 0 && len(completed) == 0 {
		fmt.Println("No downloads. Usage: mdm [-debug] URL...")
	}
}

// titleFor derives a display title from the last path element of the URL.
func titleFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}

	base := path.Base(u.Path)
	if ext := path.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}

	if base == "" || base == "." || base == "/" {
		return raw
	}

	return base
}
