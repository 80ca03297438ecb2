// Package agent keeps a device connected to the bosun device hub and
// executes the commands operators send it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"devicemanager/api_agent/internal/platform"
	"devicemanager/api_agent/internal/query"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/clients"
	"devicemanager/pkg/clients/hubclient"
	"devicemanager/pkg/logging"
)

const (
	DeviceHubPath       = "/hubs/device"
	RegistrationHubPath = "/hubs/registration"

	defaultHeartbeat = 30 * time.Second
	replyTimeout     = 10 * time.Second
)

// ErrRejected is returned by Run when the hub refuses the device token.
var ErrRejected = errors.New("device token rejected by hub")

// Config configures an Agent.
type Config struct {
	// ServerURL is the bosun base URL, e.g. https://bosun.example.com.
	ServerURL string
	Token     string
	Queries   query.Runner
	Power     platform.Controller
	Heartbeat time.Duration

	// Reconnect backs off between dial attempts. MaxRetries is ignored.
	Reconnect clients.RetryConfig
	// Results retries SendQueryResult while the hub reports persistence failures.
	Results clients.RetryConfig

	Logger logging.Logger
	Now    func() time.Time
}

// Agent is the device side of the hub protocol.
type Agent struct {
	cfg    Config
	logger logging.Logger
}

func New(cfg Config) *Agent {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLoggerWithService("lookout")
	}
	if cfg.Reconnect.Name == "" {
		cfg.Reconnect = clients.RetryConfig{Name: "dial device hub", BaseDelay: time.Second, MaxDelay: time.Minute}
	}
	cfg.Reconnect.MaxRetries = -1
	cfg.Reconnect.Logger = cfg.Logger
	cfg.Reconnect.ShouldRetry = func(err error) bool { return !errors.Is(err, ErrRejected) }

	if cfg.Results.Name == "" {
		cfg.Results = clients.DefaultRetryConfig("send query result")
		cfg.Results.MaxRetries = 5
	}
	cfg.Results.Logger = cfg.Logger
	cfg.Results.ShouldRetry = retryableResultError

	return &Agent{cfg: cfg, logger: cfg.Logger}
}

// Run keeps the agent connected until ctx ends. It returns nil on a clean
// stop and ErrRejected when the token is refused.
func (a *Agent) Run(ctx context.Context) error {
	url := strings.TrimRight(a.cfg.ServerURL, "/") + DeviceHubPath
	for {
		var client *hubclient.Client
		err := clients.Retry(ctx, a.cfg.Reconnect, func(ctx context.Context) error {
			c, err := hubclient.Dial(ctx, hubclient.Config{URL: url, Token: a.cfg.Token, Logger: a.logger})
			if err != nil {
				var hs *hubclient.HandshakeError
				if errors.As(err, &hs) && (hs.StatusCode == http.StatusUnauthorized || hs.StatusCode == http.StatusForbidden) {
					return fmt.Errorf("%w: %v", ErrRejected, err)
				}
				return err
			}
			client = c
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		a.logger.WithField("url", url).Info("Connected to device hub")
		if err := a.serve(ctx, client); err != nil {
			a.logger.WithError(err).Warn("Device hub connection lost")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (a *Agent) serve(ctx context.Context, c *hubclient.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	a.reportStatus(ctx, c)
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close("agent stopping")
			return nil
		case <-ticker.C:
			a.reportStatus(ctx, c)
		case env, ok := <-c.Pushes():
			if !ok {
				return c.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.handle(ctx, c, env)
			}()
		}
	}
}

func (a *Agent) reportStatus(ctx context.Context, c *hubclient.Client) {
	if err := c.Notify(ctx, api.MethodReportStatus, api.ReportStatusRequest{Status: "online"}); err != nil {
		a.logger.WithError(err).Debug("Failed to send heartbeat")
	}
}

func (a *Agent) handle(ctx context.Context, c *hubclient.Client, env api.Envelope) {
	var cmd api.CommandEnvelope
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		a.logger.WithError(err).WithField("method", env.Method).Warn("Discarding malformed command")
		return
	}
	log := a.logger.WithFields(logging.Fields{
		"command_id":   cmd.CommandID,
		"kind":         cmd.Kind,
		"requested_by": cmd.RequestedBy,
	})

	switch env.Method {
	case api.MethodMeasurePing:
		a.measurePing(ctx, c, cmd, log)
	case api.MethodExecuteShutdown:
		a.power(ctx, c, cmd, platform.Shutdown, log)
	case api.MethodExecuteRestart:
		a.power(ctx, c, cmd, platform.Restart, log)
	case api.MethodExecuteStreamingQuery:
		a.runQuery(ctx, c, cmd, log)
	default:
		log.WithField("method", env.Method).Debug("Ignoring unknown push")
	}
}

func (a *Agent) measurePing(ctx context.Context, c *hubclient.Client, cmd api.CommandEnvelope, log logging.Entry) {
	latency := a.cfg.Now().Sub(cmd.IssuedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	if _, err := a.invoke(ctx, c, api.MethodSendPingResponse, api.SendPingResponseRequest{CommandID: cmd.CommandID, LatencyMs: latency}); err != nil {
		log.WithError(err).Warn("Failed to answer ping")
	}
}

func (a *Agent) power(ctx context.Context, c *hubclient.Client, cmd api.CommandEnvelope, action platform.Action, log logging.Entry) {
	ack := api.AcknowledgeCommandRequest{CommandID: cmd.CommandID, Kind: cmd.Kind, Success: true}
	checkErr := a.cfg.Power.Check(action)
	if checkErr != nil {
		msg := checkErr.Error()
		ack.Success = false
		ack.Message = &msg
	}
	if _, err := a.invoke(ctx, c, api.MethodAcknowledgeCommand, ack); err != nil {
		log.WithError(err).Warn("Failed to acknowledge command")
		return
	}
	if checkErr != nil {
		log.WithError(checkErr).Warn("Refused power action")
		return
	}

	// The action outlives the connection that requested it.
	if err := a.cfg.Power.Do(context.WithoutCancel(ctx), action); err != nil {
		log.WithError(err).Error("Power action failed")
	}
}

func (a *Agent) runQuery(ctx context.Context, c *hubclient.Client, cmd api.CommandEnvelope, log logging.Entry) {
	var qc api.QueryCommand
	if err := json.Unmarshal(cmd.Payload, &qc); err != nil {
		log.WithError(err).Warn("Discarding malformed query command")
		return
	}

	started := a.cfg.Now()
	rows, runErr := a.cfg.Queries.Run(ctx, qc.Query)
	for i, row := range rows {
		if runErr != nil {
			break
		}
		runErr = c.Notify(ctx, api.MethodStreamQueryRow, api.StreamQueryRowRequest{
			ExecutionID: cmd.CommandID,
			RowJSON:     string(row),
			RowNumber:   i + 1,
		})
	}
	duration := a.cfg.Now().Sub(started)

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if _, err := a.invoke(ctx, c, api.MethodCompleteQueryStream, api.CompleteQueryStreamRequest{ExecutionID: cmd.CommandID, ErrorMessage: errMsg}); err != nil {
		log.WithError(err).Warn("Failed to complete query stream")
	}

	result := api.SendQueryResultRequest{
		ExecutionID:  cmd.CommandID,
		Success:      runErr == nil,
		ErrorMessage: errMsg,
		DurationMs:   duration.Milliseconds(),
	}
	if runErr == nil {
		if raw, err := json.Marshal(rows); err == nil {
			s := string(raw)
			result.RawJSON = &s
		}
		result.RowCount = len(rows)
	}

	err := clients.Retry(ctx, a.cfg.Results, func(ctx context.Context) error {
		_, err := a.invoke(ctx, c, api.MethodSendQueryResult, result)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to record query result")
		return
	}
	log.WithFields(logging.Fields{
		"rows":        result.RowCount,
		"duration_ms": result.DurationMs,
	}).Info("Query executed")
}

func (a *Agent) invoke(ctx context.Context, c *hubclient.Client, method string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	return c.Invoke(ctx, method, payload)
}

// retryableResultError retries only failures the hub marks as transient.
func retryableResultError(err error) bool {
	var wire *api.Error
	if errors.As(err, &wire) {
		return wire.Code == api.CodePersistenceFailed || wire.Code == api.CodeInternal
	}
	return errors.Is(err, context.DeadlineExceeded)
}
