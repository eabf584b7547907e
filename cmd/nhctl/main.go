// nhctl - command-line participant and inspector for a neural hub
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cognitivecities/neuralhub/internal/client"
	"github.com/cognitivecities/neuralhub/internal/core"
)

var (
	hubURL      string
	participant string
	district    string
	timeout     time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "nhctl",
		Short:        "Talk to a neural hub",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "http://localhost:8080", "hub base URL")
	rootCmd.PersistentFlags().StringVarP(&participant, "participant", "p", "nhctl", "participant id to register as")
	rootCmd.PersistentFlags().StringVarP(&district, "district", "d", "", "district id")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// wsURL maps the hub base URL to its websocket endpoint
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// connect dials and registers
func connect(ctx context.Context) (*client.Client, error) {
	target, err := wsURL(hubURL)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(dialCtx, target, client.Options{})
	if err != nil {
		return nil, err
	}
	if _, err := c.Register(dialCtx, participant, district, []string{"cli"}); err != nil {
		c.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return c, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sendCmd() *cobra.Command {
	var (
		proto   string
		action  string
		targets []string
	)
	cmd := &cobra.Command{
		Use:   "send <payload-json>",
		Short: "Send one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return fmt.Errorf("payload is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			routingID, err := c.Send(ctx, core.Protocol(proto), action, targets, json.RawMessage(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(routingID)
			return nil
		},
	}
	cmd.Flags().StringVar(&proto, "protocol", string(core.ProtocolThoughtExchange), "message protocol")
	cmd.Flags().StringVar(&action, "action", "share", "message action")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", []string{core.Broadcast}, "targets (repeatable)")
	return cmd
}

func listenCmd() *cobra.Command {
	var heartbeat time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Register and print routed messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprintf(os.Stderr, "listening as %s (%s)\n", c.Address(), c.ConnectionID())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.KeepAlive(gctx, heartbeat) })
			g.Go(func() error {
				for {
					env, err := c.Next(gctx)
					if err != nil {
						if gctx.Err() != nil {
							return nil
						}
						return err
					}
					if err := printJSON(env); err != nil {
						return err
					}
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 20*time.Second, "heartbeat interval")
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		kind       string
		tags       []string
		confidence float64
		targets    []string
	)
	cmd := &cobra.Command{
		Use:   "sync <id> <content>",
		Short: "Submit a knowledge item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			routingID, err := c.Sync(ctx, core.KnowledgeItem{
				ID:         args[0],
				Kind:       kind,
				Content:    args[1],
				Tags:       tags,
				Confidence: confidence,
				UpdatedAt:  time.Now(),
			}, targets)
			if err != nil {
				return err
			}
			fmt.Println(routingID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "insight", "item kind")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "confidence in [0, 1]")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", []string{core.Broadcast}, "targets (repeatable)")
	return cmd
}

// getJSON fetches path from the hub's HTTP API and prints the body
func getJSON(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(hubURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return printJSON(v)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a knowledge item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.Context(), "/api/v1/knowledge/"+url.PathEscape(args[0]))
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show hub health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.Context(), "/health")
		},
	}
}
