package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/troupehq/troupe/internal/agent"
	"github.com/troupehq/troupe/internal/daemon"
	"github.com/troupehq/troupe/internal/model"
	"github.com/troupehq/troupe/internal/setup"
	"github.com/troupehq/troupe/internal/status"
	"github.com/troupehq/troupe/internal/uds"
)

const version = "0.3.0"

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
	case "submit":
		runSubmit(os.Args[2:])
	case "respond":
		runRespond(os.Args[2:])
	case "force":
		runForce(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "fail":
		runFail(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("troupe %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe init <project_dir> [--name <name>]")
		os.Exit(1)
	}
	dir := args[0]
	name := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = argValue(args, &i, "--name")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .troupe/ in %s\n", absDir)
}

func runDaemon(args []string) {
	withAgents := false
	for _, a := range args {
		switch a {
		case "--agents":
			withAgents = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: troupe daemon [--agents]\n", a)
			os.Exit(1)
		}
	}

	troupeDir := mustFindTroupeDir()
	cfg, err := setup.LoadConfig(troupeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(troupeDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if withAgents {
		reg, err := buildAgentRegistry(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "agents: %v\n", err)
			os.Exit(1)
		}
		d.SetAgents(reg)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// buildAgentRegistry wires the executors enabled in config. Writer and
// image roles share the configured language model.
func buildAgentRegistry(cfg model.Config) (*agent.Registry, error) {
	reg := agent.NewRegistry()

	if cfg.Agents.Browser.Enabled {
		reg.Register(model.RoleBrowser, agent.NewBrowserExecutor(cfg.Agents.Browser))
	}
	if cfg.Agents.LLM.Enabled {
		for _, role := range []model.AgentRole{model.RoleWriter, model.RoleImage} {
			ex, err := agent.NewLLMExecutorFromConfig(cfg.Agents.LLM, role)
			if err != nil {
				return nil, err
			}
			reg.Register(role, ex)
		}
	}

	if len(reg.Roles()) == 0 {
		return nil, fmt.Errorf("no agents enabled in config (agents.browser.enabled / agents.llm.enabled)")
	}
	return reg, nil
}

func runSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe submit <plan.yaml>")
		os.Exit(1)
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read plan: %v\n", err)
		os.Exit(1)
	}

	resp := mustSend("run.start", map[string]string{"plan": string(content)})
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(data["run_id"])
}

func runRespond(args []string) {
	var runID, role, text, textFile string
	stepIndex, seq := -1, int64(-1)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			runID = argValue(args, &i, "--run")
		case "--step":
			stepIndex = argInt(args, &i, "--step")
		case "--seq":
			seq = int64(argInt(args, &i, "--seq"))
		case "--role":
			role = argValue(args, &i, "--role")
		case "--text":
			text = argValue(args, &i, "--text")
		case "--text-file":
			textFile = argValue(args, &i, "--text-file")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	if runID == "" || stepIndex < 0 || seq < 0 {
		fmt.Fprintln(os.Stderr, "usage: troupe respond --run <id> --step <n> --seq <n> [--role <role>] (--text <text> | --text-file <path>)")
		os.Exit(1)
	}
	if textFile != "" {
		content, err := os.ReadFile(textFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read text file: %v\n", err)
			os.Exit(1)
		}
		text = string(content)
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "response text is required (--text or --text-file)")
		os.Exit(1)
	}

	mustSend("run.respond", map[string]any{
		"run_id":     runID,
		"step_index": stepIndex,
		"seq":        seq,
		"role":       role,
		"text":       text,
	})
	fmt.Println("accepted")
}

func runForce(args []string) {
	var runID, reason string
	stepIndex := -1

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			runID = argValue(args, &i, "--run")
		case "--step":
			stepIndex = argInt(args, &i, "--step")
		case "--reason":
			reason = argValue(args, &i, "--reason")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runID == "" || stepIndex < 0 {
		fmt.Fprintln(os.Stderr, "usage: troupe force --run <id> --step <n> [--reason <text>]")
		os.Exit(1)
	}

	mustSend("run.force", map[string]any{
		"run_id":     runID,
		"step_index": stepIndex,
		"reason":     reason,
	})
	fmt.Println("forced")
}

func runStop(args []string) {
	runID, reason := parseRunReason(args, "troupe stop --run <id> [--reason <text>]")
	mustSend("run.stop", map[string]string{"run_id": runID, "reason": reason})
	fmt.Println("stopped")
}

func runFail(args []string) {
	runID, reason := parseRunReason(args, "troupe fail --run <id> [--reason <text>]")
	mustSend("run.fail", map[string]string{"run_id": runID, "reason": reason})
	fmt.Println("failed")
}

func runStatus(args []string) {
	jsonOutput := false
	runID := ""
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			if runID == "" && len(a) > 0 && a[0] != '-' {
				runID = a
				continue
			}
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: troupe status [run_id] [--json]\n", a)
			os.Exit(1)
		}
	}

	troupeDir := mustFindTroupeDir()
	var err error
	if runID != "" {
		err = status.RunDetail(troupeDir, runID, jsonOutput)
	} else {
		err = status.Run(troupeDir, jsonOutput)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runShutdown(_ []string) {
	mustSend("daemon.shutdown", nil)
	fmt.Println("shutdown requested")
}

func parseRunReason(args []string, usage string) (string, string) {
	var runID, reason string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			runID = argValue(args, &i, "--run")
		case "--reason":
			reason = argValue(args, &i, "--reason")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runID == "" {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
	return runID, reason
}

func mustSend(command string, params any) *uds.Response {
	troupeDir := mustFindTroupeDir()
	client := uds.NewClient(filepath.Join(troupeDir, uds.DefaultSocketName))

	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s failed\n", command)
		}
		os.Exit(1)
	}
	return resp
}

func mustFindTroupeDir() string {
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, ".troupe")
			if info, serr := os.Stat(candidate); serr == nil && info.IsDir() {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	fmt.Fprintln(os.Stderr, "error: .troupe/ directory not found. Run 'troupe init <dir>' first.")
	os.Exit(1)
	return ""
}

func argValue(args []string, i *int, name string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func argInt(args []string, i *int, name string) int {
	v := argValue(args, i, name)
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `troupe %s - multi-agent workflow daemon

Usage: troupe <command> [options]

Project:
  init <dir> [--name <name>]   Initialize .troupe/ directory
  daemon [--agents]            Run the daemon (--agents executes steps in-process)
  status [run_id] [--json]     Show daemon and run status
  shutdown                     Ask the daemon to shut down

Runs:
  submit <plan.yaml>           Start a run from a plan file, prints run_id
  respond --run <id> --step <n> --seq <n> (--text <t> | --text-file <p>)
                               Submit an agent response
  force --run <id> --step <n> [--reason <text>]
                               Force the current step to advance
  stop --run <id> [--reason <text>]
                               Stop a run
  fail --run <id> [--reason <text>]
                               Mark a run failed (agent unavailable)

Utilities:
  version                      Show version
  help                         Show this help

`, version)
}
