package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loomworks/loom/core/registry"
	"github.com/loomworks/loom/core/workflow"
)

const defaultGateway = "http://localhost:9080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "agent":
		runAgentCmd(os.Args[2:])
	case "workflow":
		runWorkflowCmd(os.Args[2:])
	case "run":
		runRunCmd(os.Args[2:])
	case "approval":
		runApprovalCmd(os.Args[2:])
	case "status":
		c := newClientFromEnv()
		var out map[string]any
		check(c.get("/api/v1/status", &out))
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func runAgentCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	c := newClientFromEnv()
	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("agent register", flag.ExitOnError)
		file := fs.String("file", "", "agent definition yaml")
		_ = fs.Parse(args[1:])
		if *file == "" {
			fail("agent definition file required")
		}
		data, err := os.ReadFile(*file)
		check(err)
		agent, err := registry.ParseDefinition(data)
		check(err)
		var out map[string]string
		check(c.post("/api/v1/agents", agent, &out))
		fmt.Println(out["id"])
	case "list":
		var out []*registry.Agent
		check(c.get("/api/v1/agents", &out))
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func runWorkflowCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	c := newClientFromEnv()
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("workflow create", flag.ExitOnError)
		file := fs.String("file", "", "workflow definition yaml")
		_ = fs.Parse(args[1:])
		if *file == "" {
			fail("workflow definition file required")
		}
		data, err := os.ReadFile(*file)
		check(err)
		wf, err := workflow.ParseDefinition(data)
		check(err)
		var out workflow.Workflow
		check(c.post("/api/v1/workflows", wf, &out))
		fmt.Println(out.ID)
	case "list":
		var out []*workflow.Workflow
		check(c.get("/api/v1/workflows", &out))
		printJSON(out)
	case "get":
		requireArg(args, 1, "workflow id")
		var out workflow.Workflow
		check(c.get("/api/v1/workflows/"+args[1], &out))
		printJSON(out)
	case "activate", "archive":
		requireArg(args, 1, "workflow id")
		status := workflow.WorkflowStatusActive
		if args[0] == "archive" {
			status = workflow.WorkflowStatusArchived
		}
		var out map[string]string
		check(c.post("/api/v1/workflows/"+args[1]+"/status", map[string]string{"status": string(status)}, &out))
		fmt.Println(out["status"])
	case "trigger":
		requireArg(args, 1, "workflow id")
		fs := flag.NewFlagSet("workflow trigger", flag.ExitOnError)
		payloadFile := fs.String("payload", "", "trigger payload json file")
		eventID := fs.String("event-id", "", "idempotent event id")
		_ = fs.Parse(args[2:])
		body := map[string]any{"event_id": *eventID}
		if *payloadFile != "" {
			var payload map[string]any
			loadJSON(*payloadFile, &payload)
			body["payload"] = payload
		}
		var out map[string]string
		check(c.post("/api/v1/workflows/"+args[1]+"/trigger", body, &out))
		fmt.Println(out["run_id"])
	default:
		usage()
		os.Exit(1)
	}
}

func runRunCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	c := newClientFromEnv()
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("run list", flag.ExitOnError)
		workflowID := fs.String("workflow", "", "filter by workflow id")
		status := fs.String("status", "", "filter by status")
		_ = fs.Parse(args[1:])
		path := "/api/v1/runs?workflow_id=" + *workflowID + "&status=" + *status
		var out []any
		check(c.get(path, &out))
		printJSON(out)
	case "get":
		requireArg(args, 1, "run id")
		var out map[string]any
		check(c.get("/api/v1/runs/"+args[1], &out))
		printJSON(out)
	case "timeline":
		requireArg(args, 1, "run id")
		var out []any
		check(c.get("/api/v1/runs/"+args[1]+"/timeline", &out))
		printJSON(out)
	case "cancel":
		requireArg(args, 1, "run id")
		var out map[string]string
		check(c.post("/api/v1/runs/"+args[1]+"/cancel", nil, &out))
		fmt.Println(out["status"])
	default:
		usage()
		os.Exit(1)
	}
}

func runApprovalCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	c := newClientFromEnv()
	switch args[0] {
	case "list":
		var out []any
		check(c.get("/api/v1/approvals", &out))
		printJSON(out)
	case "approve", "reject":
		requireArg(args, 1, "approval id")
		fs := flag.NewFlagSet("approval "+args[0], flag.ExitOnError)
		resolver := fs.String("resolver", "", "resolver identity")
		notes := fs.String("notes", "", "decision notes")
		_ = fs.Parse(args[2:])
		var out map[string]any
		body := map[string]string{"resolver": *resolver, "notes": *notes}
		check(c.post("/api/v1/approvals/"+args[1]+"/"+args[0], body, &out))
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func requireArg(args []string, idx int, name string) {
	if len(args) <= idx || args[idx] == "" {
		fail(name + " required")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `loomctl <command>

commands:
  status
  agent register -file <agent.yaml> | agent list
  workflow create -file <wf.yaml> | list | get <id> | activate <id> | archive <id>
  workflow trigger <id> [-payload <file.json>] [-event-id <id>]
  run list [-workflow <id>] [-status <s>] | get <id> | timeline <id> | cancel <id>
  approval list | approve <id> [-resolver <who>] | reject <id> [-resolver <who>]

environment:
  LOOM_GATEWAY  gateway base URL (default `+defaultGateway+`)`)
}
