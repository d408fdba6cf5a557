package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/bringyour/sangh/livesync")

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// The http collaborator. Attaches the bearer credential to every request
// and clears it when the server answers 401.
type SanghApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl      string
	credentials *CredentialStore
	client      *http.Client
}

func NewSanghApi(apiUrl string, credentials *CredentialStore) *SanghApi {
	return NewSanghApiWithContext(context.Background(), apiUrl, credentials, DefaultApiSettings())
}

func NewSanghApiWithContext(
	ctx context.Context,
	apiUrl string,
	credentials *CredentialStore,
	settings *ApiSettings,
) *SanghApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	if credentials == nil {
		credentials = NewCredentialStore()
	}

	return &SanghApi{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      strings.TrimRight(apiUrl, "/"),
		credentials: credentials,
		client:      defaultClient(settings),
	}
}

func (self *SanghApi) ApiUrl() string {
	return self.apiUrl
}

func (self *SanghApi) Credentials() *CredentialStore {
	return self.credentials
}

func (self *SanghApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

// `model.AuthLoginArgs`
type AuthLoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// `model.AuthLoginResult`
type AuthLoginResult struct {
	Token string  `json:"token"`
	User  *Viewer `json:"user"`
}

// on success the token and viewer are stored in the credential store
func (self *SanghApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go self.AuthLoginWithCallback(self.ctx, authLogin, callback)
}

func (self *SanghApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return self.AuthLoginWithCallback(ctx, authLogin, NewNoopApiCallback[*AuthLoginResult]())
}

func (self *SanghApi) AuthLoginWithCallback(
	ctx context.Context,
	authLogin *AuthLoginArgs,
	callback AuthLoginCallback,
) (*AuthLoginResult, error) {
	result, err := request(
		ctx,
		self,
		http.MethodPost,
		"/auth/login",
		authLogin,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
	if err == nil {
		self.credentials.SetToken(result.Token)
		self.credentials.SetViewer(result.User)
	}
	callback.Result(result, err)
	return result, err
}

// `model.AuthRegisterArgs`
type AuthRegisterArgs struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthRegisterCallback apiCallback[*AuthRegisterResult]

type AuthRegisterResult struct {
	Msg string `json:"msg"`
}

// Creates an account. The viewer still logs in afterwards.
func (self *SanghApi) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go request(self.ctx, self, http.MethodPost, "/auth/register", authRegister, &AuthRegisterResult{}, callback)
}

func (self *SanghApi) AuthRegisterSync(ctx context.Context, authRegister *AuthRegisterArgs) (*AuthRegisterResult, error) {
	return request(
		ctx,
		self,
		http.MethodPost,
		"/auth/register",
		authRegister,
		&AuthRegisterResult{},
		NewNoopApiCallback[*AuthRegisterResult](),
	)
}

type AuthMeCallback apiCallback[*Viewer]

func (self *SanghApi) AuthMe(callback AuthMeCallback) {
	go request[*Viewer](self.ctx, self, http.MethodGet, "/auth/me", nil, &Viewer{}, callback)
}

func (self *SanghApi) AuthMeSync(ctx context.Context) (*Viewer, error) {
	return request(ctx, self, http.MethodGet, "/auth/me", nil, &Viewer{}, NewNoopApiCallback[*Viewer]())
}

type EventInterestCallback apiCallback[*Event]

// POST adds the viewer to the participants, DELETE removes them.
// The result is the authoritative post-state of the event.
func (self *SanghApi) EventInterest(eventId string, interested bool, callback EventInterestCallback) {
	go func() {
		result, err := self.EventInterestSync(self.ctx, eventId, interested)
		callback.Result(result, err)
	}()
}

func (self *SanghApi) EventInterestSync(ctx context.Context, eventId string, interested bool) (*Event, error) {
	return CommandSync(ctx, self, EventKind, InterestCommand(eventId, interested))
}

// Reads the full current list for a kind.
func ListSync[T Entity](ctx context.Context, api *SanghApi, kind Kind[T]) ([]T, error) {
	body, err := api.requestBytes(ctx, http.MethodGet, kind.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	entities, err := DecodeEntities(kind, body)
	if err != nil {
		return nil, &NetworkError{
			Method: http.MethodGet,
			Url:    api.url(kind.Endpoint),
			Err:    fmt.Errorf("decode: %w", err),
		}
	}
	return entities, nil
}

// Issues a command and decodes the entity the server returns.
// A delete returns only a message, so its result is empty.
func CommandSync[T Entity](ctx context.Context, api *SanghApi, kind Kind[T], command *Command) (T, error) {
	body, err := api.requestBytes(ctx, command.Method, command.Path, command.Args)
	if err != nil {
		var empty T
		return empty, err
	}
	if command.Action == ActionDeleted {
		var empty T
		return empty, nil
	}
	entity, err := DecodeEntity(kind, body)
	if err != nil {
		var empty T
		return empty, &NetworkError{
			Method: command.Method,
			Url:    api.url(command.Path),
			Err:    fmt.Errorf("decode: %w", err),
		}
	}
	return entity, nil
}

func request[R any](
	ctx context.Context,
	api *SanghApi,
	method string,
	path string,
	args any,
	result R,
	callback apiCallback[R],
) (R, error) {
	body, err := api.requestBytes(ctx, method, path, args)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(body, &result)
	if err != nil {
		var empty R
		err = &NetworkError{
			Method: method,
			Url:    api.url(path),
			Err:    fmt.Errorf("decode: %w", err),
		}
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func (self *SanghApi) url(path string) string {
	return fmt.Sprintf("%s%s", self.apiUrl, path)
}

// every failure is returned as a *NetworkError
func (self *SanghApi) requestBytes(ctx context.Context, method string, path string, args any) (responseBodyBytes []byte, returnErr error) {
	url := self.url(path)

	ctx, span := tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", method, path),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
	defer func() {
		if returnErr != nil {
			span.RecordError(returnErr)
			span.SetStatus(codes.Error, returnErr.Error())
		}
		span.End()
	}()

	networkErr := func(err error) *NetworkError {
		return &NetworkError{
			Method: method,
			Url:    url,
			Err:    err,
		}
	}

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return nil, networkErr(err)
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		return nil, networkErr(err)
	}

	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")

	if token := self.credentials.Token(); token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, networkErr(err)
	}
	defer r.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", r.StatusCode))

	responseBodyBytes, err = io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		if r.StatusCode == http.StatusUnauthorized {
			// the credential is invalid
			self.credentials.Clear()
		}
		return nil, &NetworkError{
			Method:     method,
			Url:        url,
			StatusCode: r.StatusCode,
			Message:    errorMessage(responseBodyBytes),
		}
	}

	if err != nil {
		return nil, networkErr(err)
	}

	return responseBodyBytes, nil
}

// the server sends `{"msg": ...}` for handled errors and plain text otherwise
func errorMessage(responseBodyBytes []byte) string {
	var result struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(responseBodyBytes, &result); err == nil {
		if result.Msg != "" {
			return result.Msg
		}
		if result.Message != "" {
			return result.Message
		}
	}
	return strings.TrimSpace(string(responseBodyBytes))
}
