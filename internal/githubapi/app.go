package githubapi

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

// NewAppClient builds a client authenticated as a GitHub App installation.
// The runner uses it only for comments, so notifications appear under the
// App's bot identity instead of the user token's login.
func NewAppClient(app *config.NotifyApp, logger logging.Logger) (*Client, error) {
	appID, err := strconv.ParseInt(app.AppID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid app id %q: %w", app.AppID, err)
	}
	installationID, err := strconv.ParseInt(app.InstallationID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid installation id %q: %w", app.InstallationID, err)
	}

	key, err := resolvePrivateKey(app.PrivateKey)
	if err != nil {
		return nil, err
	}

	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, fmt.Errorf("app transport: %w", err)
	}
	return NewClientFromHTTP(&http.Client{Transport: transport}, logger), nil
}

// resolvePrivateKey accepts either a PEM file path or inline PEM text.
func resolvePrivateKey(value string) ([]byte, error) {
	if strings.Contains(value, "-----BEGIN") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("read app private key %s: %w", value, err)
	}
	return data, nil
}
