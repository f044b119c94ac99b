// Command orchestrator is the CLI entrypoint for the engine: start the
// daemon, initialize a fresh data directory, and talk to a running
// daemon's Admin Control Plane or external Dispatch API, mirroring the
// teacher's switch-dispatched cmd/maestro/main.go.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/msageha/pipelinecore/internal/admin"
	"github.com/msageha/pipelinecore/internal/config"
	"github.com/msageha/pipelinecore/internal/daemon"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "ping":
		runAdminCommand(os.Args[2:], "ping")
	case "scan":
		runAdminCommand(os.Args[2:], "scan")
	case "shutdown":
		runAdminCommand(os.Args[2:], "shutdown")
	case "status":
		runStatus(os.Args[2:])
	case "job":
		runJob(os.Args[2:])
	case "version":
		fmt.Printf("orchestrator %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: orchestrator <command> [options]

commands:
  init [dir]            write a default config.yaml into dir (default ".")
  daemon [--config p]    run the orchestration engine daemon in the foreground
  status [--socket p]    print a status summary from a running daemon
  ping [--socket p]      check that the daemon is reachable
  scan [--socket p]      force an immediate dispatch/reaper pass
  shutdown [--socket p]  request graceful shutdown
  job create --role r --mode m [--payload p] [--addr addr]
                         create a job via the external Dispatch API
  version                print the version
  help                    show this message`)
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	path := filepath.Join(dir, config.FileName)
	if err := config.Save(path, model.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("wrote %s in %s\n", config.FileName, absDir)
}

func loadConfig(configPath string) (model.Config, error) {
	if configPath == "" {
		configPath = config.FileName
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return model.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func runDaemon(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	anthropicKey := os.Getenv(cfg.Backends.APIKeyEnvAnthropic)
	openaiKey := os.Getenv(cfg.Backends.APIKeyEnvOpenAI)

	d, err := daemon.New(cfg.DataDir, cfg, anthropicKey, openaiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func socketFlag(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--socket requires a value")
				os.Exit(1)
			}
			return args[i+1]
		}
	}
	cfg, err := loadConfig("")
	if err != nil {
		return model.DefaultConfig().Admin.SocketPath
	}
	return cfg.Admin.SocketPath
}

func runAdminCommand(args []string, command string) {
	client := uds.NewClient(socketFlag(args))
	resp, err := client.SendCommand(command, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", command, resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	fmt.Println(string(resp.Data))
}

func runStatus(args []string) {
	client := uds.NewClient(socketFlag(args))
	resp, err := client.SendCommand("status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	var summary admin.Summary
	if err := json.Unmarshal(resp.Data, &summary); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
		os.Exit(1)
	}
	admin.FormatSummary(os.Stdout, summary)
}

func runJob(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrator job <create> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		runJobCreate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown job subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runJobCreate(args []string) {
	var role, mode, payload string
	addr := "http://localhost:8080"
	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
			os.Exit(1)
		}
		i++
		switch flag {
		case "--role":
			role = args[i]
		case "--mode":
			mode = args[i]
		case "--payload":
			payload = args[i]
		case "--addr":
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", flag)
			os.Exit(1)
		}
	}
	if role == "" || mode == "" {
		fmt.Fprintln(os.Stderr, "usage: orchestrator job create --role r --mode m [--payload p] [--addr addr]")
		os.Exit(1)
	}

	body, err := json.Marshal(map[string]any{
		"role":    role,
		"mode":    mode,
		"payload": []byte(payload),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "job create: %v\n", err)
		os.Exit(1)
	}

	resp, err := http.Post(addr+"/jobs/create", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "job create: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "job create: %s: %s\n", resp.Status, out)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
