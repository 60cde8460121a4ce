// Command cradlectl is a command-line client for the Cradle Container
// Platform's dispatcher. It issues one request per invocation against
// the dispatcher's /v1/container.* HTTP endpoints and prints the result.
//
// Usage:
//
//	cradlectl [-addr URL] [-token TOKEN] <command> [args...]
//
// Commands:
//
//	create <id> <config.json>   create a container from a JSON config blob
//	start <id>                  start a container
//	stop <id>                    stop a container (flag -force precedes the command)
//	destroy <id>                destroy a container
//	list                        list registered container ids
//	info <id>                   show a container's current snapshot
//	monitor <id>                stream a container's lifecycle events
//
// The dispatcher address defaults to http://localhost:8443 and may also
// be set via CRADLE_ADDR. The bearer token defaults to CRADLE_TOKEN.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

type createRequest struct {
	ID   string          `json:"id"`
	Conf json.RawMessage `json:"conf"`
}

type idRequest struct {
	ID string `json:"id"`
}

type stopRequest struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

type listResponse struct {
	IDs []string `json:"ids"`
}

type snapshotResponse struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	InteriorState string `json:"interiorState"`
	Status        any    `json:"status,omitempty"`
}

func main() {
	addr := flag.String("addr", envOr("CRADLE_ADDR", "http://localhost:8443"), "dispatcher address")
	token := flag.String("token", envOr("CRADLE_TOKEN", ""), "bearer token")
	force := flag.Bool("force", false, "force stop (container.stop only)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	c := newClient(*addr, *token)
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(c, rest)
	case "start":
		err = runID(c, "container.start", rest)
	case "stop":
		err = runStop(c, rest, *force)
	case "destroy":
		err = runID(c, "container.destroy", rest)
	case "list":
		err = runList(c)
	case "info":
		err = runInfo(c, rest)
	case "monitor":
		err = runMonitor(c, rest)
	default:
		fmt.Fprintf(os.Stderr, "cradlectl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCreate(c *client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cradlectl create <id> <config.json>")
	}
	if !json.Valid([]byte(args[1])) {
		return fmt.Errorf("cradlectl: config is not valid JSON: %s", args[1])
	}
	req := createRequest{ID: args[0], Conf: json.RawMessage(args[1])}
	if err := c.post("container.create", req, nil); err != nil {
		return err
	}
	fmt.Printf("created %s\n", args[0])
	return nil
}

func runID(c *client, event string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cradlectl %s <id>", event)
	}
	if err := c.post(event, idRequest{ID: args[0]}, nil); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", args[0])
	return nil
}

func runStop(c *client, args []string, force bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cradlectl [-force] stop <id>")
	}
	req := stopRequest{ID: args[0], Force: force}
	if err := c.post("container.stop", req, nil); err != nil {
		return err
	}
	fmt.Printf("%s: stopped\n", args[0])
	return nil
}

func runList(c *client) error {
	var resp listResponse
	if err := c.post("container.list", nil, &resp); err != nil {
		return err
	}
	for _, id := range resp.IDs {
		fmt.Println(id)
	}
	return nil
}

func runInfo(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cradlectl info <id>")
	}
	var resp snapshotResponse
	if err := c.post("container.query", idRequest{ID: args[0]}, &resp); err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runMonitor(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cradlectl monitor <id>")
	}
	return c.monitor(args[0], func(line string) {
		fmt.Println(line)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintln(os.Stderr, `cradlectl: a command-line client for the Cradle Container Platform

Usage:
  cradlectl [-addr URL] [-token TOKEN] <command> [args...]

Commands:
  create <id> <config.json>   create a container from a JSON config blob
  start <id>                  start a container
  stop <id>                    stop a container (-force must precede the command)
  destroy <id>                destroy a container
  list                        list registered container ids
  info <id>                   show a container's current snapshot
  monitor <id>                stream a container's lifecycle events`)
}
