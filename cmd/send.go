package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/crisprelay/internal/config"
	"github.com/nextlevelbuilder/crisprelay/internal/crisp"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const sendTimeout = 15 * time.Second

func sendCmd() *cobra.Command {
	var (
		websiteID string
		sessionID string
		content   string
		from      string
		msgType   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message into a Crisp conversation",
		Example: `  crisprelay send --website 8c842203-7ed8-4e29-a608-7cf78a7d2fcc \
    --session session_700c65e1-85e2-465a-b9ac-ecb5ec2c9881 --content "Hello from the relay"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Crisp.HasCredentials() {
				return config.ErrMissingCredentials
			}

			client := crisp.NewClient(cfg.Crisp.APIURL, cfg.Crisp.Identifier, cfg.Crisp.Key)
			ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
			defer cancel()

			err = client.SendMessage(ctx, websiteID, sessionID, crisp.MessageData{
				Type:    msgType,
				From:    from,
				Origin:  protocol.OriginChat,
				Content: content,
			})
			if err != nil {
				var apiErr *crisp.APIError
				if errors.As(err, &apiErr) {
					color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "✗ Crisp rejected the message (HTTP %d)\n", apiErr.Status)
				}
				return err
			}

			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Message sent to %s\n", sessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&websiteID, "website", "", "Crisp website ID")
	cmd.Flags().StringVar(&sessionID, "session", "", "Crisp conversation session ID")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().StringVar(&from, "from", protocol.FromOperator, "message author (operator or user)")
	cmd.Flags().StringVar(&msgType, "type", protocol.KindText, "message type")
	_ = cmd.MarkFlagRequired("website")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("content")

	return cmd
}
