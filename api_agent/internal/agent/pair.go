package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/clients/hubclient"
	"devicemanager/pkg/logging"
)

// ErrPairingExpired is returned when nobody completed the code in time.
var ErrPairingExpired = errors.New("pairing code expired before an operator completed it")

// Pair requests a pairing code from the registration hub, passes it to show
// and waits until an operator binds it to a device.
func Pair(ctx context.Context, serverURL string, logger logging.Logger, show func(api.PairingCodeResponse)) (api.CredentialsNotification, error) {
	if logger == nil {
		logger = logging.NewLogger()
	}
	url := strings.TrimRight(serverURL, "/") + RegistrationHubPath
	c, err := hubclient.Dial(ctx, hubclient.Config{URL: url, Logger: logger})
	if err != nil {
		return api.CredentialsNotification{}, err
	}
	defer c.Close("pairing finished")

	callCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	raw, err := c.Invoke(callCtx, api.MethodRequestPairingCode, nil)
	cancel()
	if err != nil {
		return api.CredentialsNotification{}, fmt.Errorf("request pairing code: %w", err)
	}
	var code api.PairingCodeResponse
	if err := json.Unmarshal(raw, &code); err != nil {
		return api.CredentialsNotification{}, fmt.Errorf("decode pairing code: %w", err)
	}
	show(code)

	expiry := time.NewTimer(time.Until(code.ExpiresAt))
	defer expiry.Stop()
	for {
		select {
		case env, ok := <-c.Pushes():
			if !ok {
				if err := c.Err(); err != nil {
					return api.CredentialsNotification{}, err
				}
				return api.CredentialsNotification{}, hubclient.ErrClosed
			}
			if env.Method != api.MethodReceiveCredentials {
				continue
			}
			var creds api.CredentialsNotification
			if err := json.Unmarshal(env.Payload, &creds); err != nil {
				return api.CredentialsNotification{}, fmt.Errorf("decode credentials: %w", err)
			}
			logger.WithField("device_id", creds.DeviceID).Info("Device paired")
			return creds, nil
		case <-expiry.C:
			return api.CredentialsNotification{}, ErrPairingExpired
		case <-ctx.Done():
			return api.CredentialsNotification{}, ctx.Err()
		}
	}
}
