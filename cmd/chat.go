package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/client"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func gatewayURL(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d/ws", host, port)
}

// dialGateway connects using the admin token from the environment and the
// configured gateway address.
func dialGateway(ctx context.Context) (*client.Client, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	token := os.Getenv(config.EnvAdminToken)
	if token == "" {
		return nil, fmt.Errorf("%s not set", config.EnvAdminToken)
	}
	return client.Dial(ctx, client.Options{
		URL:      gatewayURL(cfg.Gateway.Host, cfg.Gateway.Port),
		Token:    token,
		ClientID: "agentgate-cli",
		Version:  Version,
		Mode:     "cli",
	})
}

func chatCmd() *cobra.Command {
	var agentID string
	var timeoutS int
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message to an agent and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS+10)*time.Second)
			defer cancel()

			c, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var submitted struct {
				SessionKey string `json:"session_key"`
			}
			params := map[string]string{"message": args[0]}
			if agentID != "" {
				params["agent"] = agentID
			}
			if err := c.CallInto(ctx, protocol.MethodAgent, params, &submitted); err != nil {
				return err
			}

			var wait struct {
				Event struct {
					Kind    string                 `json:"kind"`
					Payload map[string]interface{} `json:"payload"`
				} `json:"event"`
			}
			err = c.CallInto(ctx, protocol.MethodAgentWait, map[string]interface{}{
				"session_key": submitted.SessionKey,
				"timeout_ms":  timeoutS * 1000,
			}, &wait)
			if err != nil {
				return err
			}
			if wait.Event.Kind == protocol.RunEventError {
				return fmt.Errorf("run failed: %v", wait.Event.Payload["message"])
			}
			if text, ok := wait.Event.Payload["text"].(string); ok {
				fmt.Println(text)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured default agent)")
	cmd.Flags().IntVar(&timeoutS, "timeout", 120, "seconds to wait for the reply")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print gateway health and channel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c, err := dialGateway(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			health, err := c.Call(ctx, protocol.MethodHealth, nil)
			if err != nil {
				return err
			}
			channels, err := c.Call(ctx, protocol.MethodChannelsStatus, nil)
			if err != nil {
				return err
			}
			out := map[string]json.RawMessage{"health": health, "channels": channels}
			pretty, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
}
