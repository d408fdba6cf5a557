package livesync

import (
	"context"
)

// Shared collaborators for the views of one signed in viewer.
// Holds no entity state; each mounted view owns its own collection and channel.
type Client struct {
	ctx       context.Context
	api       *SanghApi
	socketUrl string
	metrics   *Metrics
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	socketUrl string,
	credentials *CredentialStore,
	apiSettings *ApiSettings,
	metrics *Metrics,
) *Client {
	if socketUrl == "" {
		socketUrl = apiUrl
	}
	return &Client{
		ctx:       ctx,
		api:       NewSanghApiWithContext(ctx, apiUrl, credentials, apiSettings),
		socketUrl: socketUrl,
		metrics:   metrics,
	}
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, credentials *CredentialStore) *Client {
	return NewClient(ctx, apiUrl, "", credentials, DefaultApiSettings(), nil)
}

func NewClientFromEnv(ctx context.Context, config *EnvConfig, metrics *Metrics) *Client {
	credentials := NewCredentialStoreWithToken(config.ApiToken)
	if config.ViewerId != "" {
		credentials.SetViewer(&Viewer{Id: config.ViewerId})
	}
	return NewClient(ctx, config.ApiUrl, config.SocketUrl, credentials, DefaultApiSettings(), metrics)
}

func (self *Client) Api() *SanghApi {
	return self.api
}

func (self *Client) Credentials() *CredentialStore {
	return self.api.Credentials()
}

func (self *Client) SocketUrl() string {
	return self.socketUrl
}

func (self *Client) Metrics() *Metrics {
	return self.metrics
}

func (self *Client) Close() {
	self.api.Close()
}
