package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"github.com/duneuav/planengine/internal/audit"
	"github.com/duneuav/planengine/internal/bus"
	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/dialog"
	"github.com/duneuav/planengine/internal/engine"
	"github.com/duneuav/planengine/internal/imc"
	"github.com/duneuav/planengine/internal/memento"
	"github.com/duneuav/planengine/internal/model"
	"github.com/duneuav/planengine/internal/planlog"
	"github.com/duneuav/planengine/internal/store"
	"github.com/duneuav/planengine/internal/ui"
)

func main() {
	_ = godotenv.Load(".env")

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "planengine")
	_ = os.MkdirAll(cacheDir, 0755)

	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	cfgPath := "planengine.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		cfg = config.DefaultConfig()
		log.Printf("[MAIN] no config at %s, using defaults: %v", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Build the bus — foundational, everything else depends on it.
	b := bus.New()

	db := store.New(cfg.Store.Dir)
	if err := db.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "open plan db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	mh := memento.New()
	m := model.New(time.Now)
	dlg := dialog.New()
	logs := planlog.NewRegistry(cfg.Log.Dir)

	supported := map[imc.ManeuverKind]bool{
		imc.ManeuverGoto:           true,
		imc.ManeuverLoiter:         true,
		imc.ManeuverStationKeeping: true,
		imc.ManeuverIdle:           true,
	}

	eng := engine.New(b, db, mh, m, dlg, cfg, logs, time.Now, "planengine", supported)

	aud := audit.New(b, b.NewTap(),
		filepath.Join(cacheDir, "audit.jsonl"),
		filepath.Join(cacheDir, "audit_stats.json"),
		5*time.Minute)

	disp := ui.New(b.NewTap())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	go aud.Run()
	go disp.Run(ctx)
	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[MAIN] engine stopped: %v", err)
		}
	}()

	runREPL(ctx, b, cancel, cacheDir, disp, aud)
}

// runREPL is the operator console: a readline-driven shell for issuing
// PC_START/PC_STOP/PC_LOAD/PC_GET requests and watching the bus traffic
// ui.Display renders for each plan run.
func runREPL(ctx context.Context, b *bus.Bus, cancel context.CancelFunc, cacheDir string, disp *ui.Display, aud *audit.Watcher) {
	fmt.Println("\033[1m\033[36m⚓ planengine\033[0m — onboard mission plan console  \033[2m(exit/Ctrl-D to quit | debug: ~/.cache/planengine/debug.log)\033[0m")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m»\033[0m ",
		HistoryFile:       filepath.Join(cacheDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		cancel()
		return
	}
	defer rl.Close()

	replyCh := b.Subscribe(imc.MsgPlanControlReply)
	var nextReqID uint16 = 1

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			cancel()
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			cancel()
			break
		}
		if input == "/audit" {
			fmt.Println(aud.Report("on-demand"))
			continue
		}

		fields := strings.Fields(input)
		cmd := strings.ToLower(fields[0])

		var req imc.PlanControl
		req.RequestID = nextReqID
		nextReqID++

		switch cmd {
		case "start":
			if len(fields) < 2 {
				fmt.Println("usage: start <plan_id>")
				continue
			}
			req.Op = imc.PCStart
			req.PlanID = fields[1]
		case "load":
			if len(fields) < 2 {
				fmt.Println("usage: load <plan_id>")
				continue
			}
			req.Op = imc.PCLoad
			req.PlanID = fields[1]
		case "stop":
			req.Op = imc.PCStop
		case "get":
			req.Op = imc.PCGet
		default:
			fmt.Println("commands: start <plan_id> | load <plan_id> | stop | get | /audit | exit")
			continue
		}

		disp.Resume()
		b.Publish(imc.Message{Type: imc.MsgPlanControl, Src: "operator", Payload: req})

		select {
		case reply := <-replyCh:
			r := reply.Payload.(imc.PlanControlReply)
			if r.Type == imc.ReplyFailure {
				fmt.Printf("\033[31mFAILURE\033[0m: %s\n", r.Message)
			} else {
				fmt.Println("\033[32mOK\033[0m")
			}
		case <-time.After(3 * time.Second):
			fmt.Println("(reply timed out)")
		case <-ctx.Done():
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}
