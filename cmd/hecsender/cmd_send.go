package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/scottbrown/hecsender/internal/config"
	"github.com/scottbrown/hecsender/internal/envelope"
	"github.com/scottbrown/hecsender/internal/sender"
)

var sendCmd = &cobra.Command{
	Use:   "send MESSAGE...",
	Short: "Send a single event to Splunk HEC",
	Long:  "Build one event from the arguments and flags, deliver it to Splunk HEC and wait for the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  handleSendCmd,
}

// sendRequest is one event assembled from the command line.
type sendRequest struct {
	Severity string
	Logger   string
	Message  string
	Fields   map[string]any
	Detail   *envelope.ErrorDetail
	Metadata envelope.Metadata
	Timeout  time.Duration
}

func handleSendCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	fields, err := parseFields(sendFields)
	if err != nil {
		return err
	}

	req := sendRequest{
		Severity: sendSeverity,
		Logger:   sendLogger,
		Message:  strings.Join(args, " "),
		Fields:   fields,
		Metadata: envelope.Metadata{
			Index:      sendIndex,
			Source:     sendSource,
			SourceType: sendSourceType,
			Host:       sendHost,
		},
		Timeout: sendTimeout,
	}
	if sendError != "" {
		req.Detail = &envelope.ErrorDetail{Type: "Error", Message: sendError}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return sendEvent(ctx, cfg, req, cmd.OutOrStdout())
}

// parseFields turns key=value pairs into event fields. Values that parse as
// JSON keep their type; anything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", pair)
		}

		var value any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &value); err != nil {
			value = raw
		}
		fields[key] = value
	}
	return fields, nil
}

// sendEvent delivers req with a short-lived sender. Failures are raised
// regardless of the configured policy so the command exits non-zero.
func sendEvent(ctx context.Context, cfg *config.Config, req sendRequest, out io.Writer) error {
	if err := cfg.ValidateHEC(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sc, err := cfg.SenderConfig()
	if err != nil {
		return err
	}
	sc.OnFailure = sender.FailRaise

	s, err := sender.New(sc)
	if err != nil {
		return err
	}

	if req.Metadata.Source == "" {
		req.Metadata.Source = req.Logger
	}
	var opts []envelope.Option
	if req.Logger != "" {
		opts = append(opts, envelope.WithLogger(req.Logger))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = shutdownTimeout
	}
	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := envelope.NewID()
	if err := s.Send(id, req.Severity, req.Message, req.Fields, req.Detail, req.Metadata, opts...); err != nil {
		_ = s.Close(closeCtx)
		return err
	}

	if err := s.Close(closeCtx); err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	fmt.Fprintf(out, "event sent: %s\n", id)
	return nil
}
