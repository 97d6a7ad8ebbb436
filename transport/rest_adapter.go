// Package transport performs outbound HTTP deliveries for provider
// integrations.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 1 << 20 // 1 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Request struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Duration   time.Duration
}

type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	Now                  func() time.Time
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
		Now:                  func() time.Time { return time.Now().UTC() },
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

// Do sends req. Any HTTP status is a successful round trip; only transport
// failures and oversized bodies return an error.
func (a *RESTAdapter) Do(ctx context.Context, req Request) (Response, error) {
	if a == nil || a.Client == nil {
		return Response{}, goerrors.New("transport: rest adapter requires an http client", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ServiceErrorInternal).
			WithMetadata(map[string]any{"adapter": KindREST})
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodPost
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return Response{}, rejectRequest(err, "transport: invalid request url", nil)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return Response{}, rejectRequest(nil, "transport: absolute request url is required", nil)
	}

	if len(req.Query) > 0 {
		query := parsedURL.Query()
		for key, value := range req.Query {
			if strings.TrimSpace(key) == "" {
				continue
			}
			query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
		parsedURL.RawQuery = query.Encode()
	}

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, rejectRequest(err, "transport: create http request", map[string]any{"method": method})
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	now := a.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	startedAt := now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return Response{}, sendFailed(err, "transport: execute http request", map[string]any{
			"method": method,
			"host":   parsedURL.Host,
		})
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, sendFailed(err, "transport: read response body", map[string]any{"status_code": httpRes.StatusCode})
	}
	if int64(len(body)) > maxBodyBytes {
		return Response{}, sendFailed(nil,
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes),
			map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": maxBodyBytes},
		)
	}

	return Response{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Duration:   now().Sub(startedAt),
	}, nil
}

// rejectRequest covers requests that never reached the provider. Outbound
// treats them as terminal.
func rejectRequest(cause error, message string, metadata map[string]any) error {
	return deliveryError(cause, message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ServiceErrorBadInput, metadata)
}

// sendFailed covers requests lost on the wire or answered with an unreadable
// body. Outbound may retry them.
func sendFailed(cause error, message string, metadata map[string]any) error {
	return deliveryError(cause, message, goerrors.CategoryExternal, http.StatusBadGateway, core.ServiceErrorSendFailed, metadata)
}

func deliveryError(
	cause error,
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	fields := map[string]any{"adapter": KindREST}
	for key, value := range metadata {
		fields[key] = value
	}
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	return err.WithCode(code).WithTextCode(textCode).WithMetadata(fields)
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[strings.ToLower(key)] = strings.Join(values, ",")
	}
	return flat
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultRESTResponseBodyLimit
}
