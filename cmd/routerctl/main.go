package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/procgraph/internal/client"
	"github.com/danmuck/procgraph/internal/logging"
	"github.com/danmuck/procgraph/internal/protocol"
)

const usage = `usage: routerctl <command> [flags] [args]

commands:
  status <address>              forward state of one address
  connect <source> <target>     add an edge
  disconnect <source> <target>  remove the newest matching edge
  policy <source> <policy>      broadcast | anycast | round_robin
  send [-as addr] <payload>     send one DATA frame
  listen [-as addr]             print DATA frames routed to this node
  nodes                         registered nodes (admin HTTP)
  edges                         forward table (admin HTTP)
`

type globalOptions struct {
	network string
	router  string
	admin   string
	as      uint64
	timeout time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "routerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var opts globalOptions
	fs.StringVar(&opts.network, "network", "tcp", "router network: tcp, unix or ws")
	fs.StringVar(&opts.router, "router", "127.0.0.1:7400", "router address or websocket URL")
	fs.StringVar(&opts.admin, "admin", "http://127.0.0.1:7401", "router admin base URL")
	fs.Uint64Var(&opts.as, "as", 0, "request this node address")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "command timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()

	switch cmd {
	case "nodes":
		return getJSON(ctx, opts, "/nodes", out)
	case "edges":
		return getJSON(ctx, opts, "/edges", out)
	case "status":
		addrs, err := parseAddresses(rest, 1)
		if err != nil {
			return err
		}
		return withNode(ctx, opts, func(ctx context.Context, c *client.Client) error {
			report, err := c.Status(ctx, addrs[0])
			if err != nil {
				return err
			}
			return printJSON(out, report)
		})
	case "connect", "disconnect":
		addrs, err := parseAddresses(rest, 2)
		if err != nil {
			return err
		}
		return withNode(ctx, opts, func(ctx context.Context, c *client.Client) error {
			if cmd == "connect" {
				return c.Connect(ctx, addrs[0], addrs[1])
			}
			return c.Disconnect(ctx, addrs[0], addrs[1])
		})
	case "policy":
		if len(rest) != 2 {
			return fmt.Errorf("policy needs <source> <policy>")
		}
		source, err := parseAddress(rest[0])
		if err != nil {
			return err
		}
		p, err := protocol.ParsePolicy(rest[1])
		if err != nil {
			return err
		}
		return withNode(ctx, opts, func(ctx context.Context, c *client.Client) error {
			return c.SetPolicy(ctx, source, p)
		})
	case "send":
		if len(rest) == 0 {
			return fmt.Errorf("send needs a payload")
		}
		return withNode(ctx, opts, func(ctx context.Context, c *client.Client) error {
			return c.Send(ctx, []byte(strings.Join(rest, " ")))
		})
	case "listen":
		return listen(ctx, opts, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func dial(ctx context.Context, opts globalOptions) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Network = opts.network
	cfg.Address = opts.router
	cfg.RequestedAddress = protocol.Address(opts.as)
	cfg.MaxConnectAttempts = 3
	return client.Dial(ctx, cfg)
}

func withNode(ctx context.Context, opts globalOptions, fn func(context.Context, *client.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func listen(ctx context.Context, opts globalOptions, out io.Writer) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(out, "attached as %s\n", c.Address())
	for {
		f, err := c.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s %q\n", f.Header.Source, f.Payload)
	}
}

func getJSON(ctx context.Context, opts globalOptions, path string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(opts.admin, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin %s: %s", path, resp.Status)
	}
	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	return printJSON(out, body)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAddress accepts decimal or 0x-prefixed hex.
func parseAddress(raw string) (protocol.Address, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", raw)
	}
	return protocol.Address(v), nil
}

func parseAddresses(args []string, n int) ([]protocol.Address, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d address argument(s), got %d", n, len(args))
	}
	out := make([]protocol.Address, n)
	for i, raw := range args {
		addr, err := parseAddress(raw)
		if err != nil {
			return nil, err
		}
		out[i] = addr
	}
	return out, nil
}
