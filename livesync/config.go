package livesync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const DefaultApiUrl = "http://localhost:5000"

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

type ChannelSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// used until the server announces its ping interval in the open packet
	ReadTimeout time.Duration
	// when false a dropped channel stays down until the view is mounted again
	Reconnect        bool
	ReconnectTimeout time.Duration
	SendBufferSize   int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		Reconnect:        false,
		ReconnectTimeout: 5 * time.Second,
		SendBufferSize:   16,
	}
}

type ViewSettings struct {
	// connect a push channel; a view without one shows the snapshot only
	Live            bool
	UpdateQueueSize int
	ChannelSettings *ChannelSettings
}

func DefaultViewSettings() *ViewSettings {
	return &ViewSettings{
		Live:            true,
		UpdateQueueSize: 64,
		ChannelSettings: DefaultChannelSettings(),
	}
}

// Environment provided configuration.
type EnvConfig struct {
	ApiUrl string `env:"API_URL,default=http://localhost:5000"`
	// the push server, defaults to the api url
	SocketUrl string `env:"SOCKET_URL"`
	ApiToken  string `env:"API_TOKEN"`
	ViewerId  string `env:"VIEWER_ID"`
}

// loads the given dotenv files when they exist, then reads the environment
// values already in the environment take precedence over dotenv files
func LoadEnvConfig(envFiles ...string) (*EnvConfig, error) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var config EnvConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if config.SocketUrl == "" {
		config.SocketUrl = config.ApiUrl
	}
	return &config, nil
}
