package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

type TransportType string

var TransportWebSockets TransportType = "WebSockets"
var TransportServerSentEvents TransportType = "ServerSentEvents"

type TransferFormatType string

var TransferFormatText TransferFormatType = "Text"
var TransferFormatBinary TransferFormatType = "Binary"

// Doer is the *http.Client interface
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const negotiateVersion = 1

// maxNegotiateRedirects caps how many negotiate redirects are chased before
// the attempt fails.
const maxNegotiateRedirects = 5

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionToken     string               `json:"connectionToken,omitempty"`
	ConnectionID        string               `json:"connectionId"`
	NegotiateVersion    int                  `json:"negotiateVersion,omitempty"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	URL                 string               `json:"url,omitempty"`
	AccessToken         string               `json:"accessToken,omitempty"`
	Error               string               `json:"error,omitempty"`
	// Only legacy ASP.NET SignalR servers answer with a ProtocolVersion.
	ProtocolVersion string `json:"ProtocolVersion,omitempty"`
}

func (nr *negotiateResponse) hasTransport(transportType TransportType) bool {
	for _, transport := range nr.AvailableTransports {
		if transport.Transport == string(transportType) {
			return true
		}
	}
	return false
}

// negotiate runs the pre-transport HTTP exchange against address, chasing at
// most maxNegotiateRedirects redirects and applying a redirect's accessToken
// as a bearer header. It returns the final response together with the base
// URL the transport must connect to.
func negotiate(ctx context.Context, client Doer, address string, headers http.Header, requestTimeout time.Duration) (*negotiateResponse, string, error) {
	reqHeaders := headers.Clone()
	if reqHeaders == nil {
		reqHeaders = http.Header{}
	}
	for redirects := 0; redirects <= maxNegotiateRedirects; redirects++ {
		response, err := negotiateOnce(ctx, client, address, reqHeaders, requestTimeout)
		if err != nil {
			return nil, "", err
		}
		if response.ProtocolVersion != "" {
			return nil, "", ErrLegacyServer
		}
		if response.Error != "" {
			return nil, "", &NegotiateError{Reason: response.Error}
		}
		if response.URL != "" {
			address = response.URL
			if response.AccessToken != "" {
				reqHeaders.Set("Authorization", "Bearer "+response.AccessToken)
			}
			continue
		}
		if response.NegotiateVersion <= 0 {
			response.ConnectionToken = response.ConnectionID
		}
		return response, address, nil
	}
	return nil, "", fmt.Errorf("negotiate stopped after %v redirects", maxNegotiateRedirects)
}

func negotiateOnce(ctx context.Context, client Doer, address string, headers http.Header, requestTimeout time.Duration) (*negotiateResponse, error) {
	reqURL, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	negotiateURL := *reqURL
	negotiateURL.Path = path.Join(negotiateURL.Path, "negotiate")
	q := negotiateURL.Query()
	q.Set("negotiateVersion", fmt.Sprint(negotiateVersion))
	negotiateURL.RawQuery = q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "POST", negotiateURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, err
	}
	defer func() { closeResponseBody(resp.Body) }()

	if resp.StatusCode != 200 {
		return nil, &NegotiateError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	response := negotiateResponse{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// closeResponseBody reads a http response body to the end and closes it.
// The body needs to be fully read and closed, otherwise the connection will
// not be reused.
func closeResponseBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// buildTransportURL appends the connection token and switches to the
// websocket scheme.
func buildTransportURL(address string, connectionToken string) (string, error) {
	reqURL, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	q := reqURL.Query()
	if connectionToken != "" {
		q.Set("id", connectionToken)
	}
	reqURL.RawQuery = q.Encode()
	switch reqURL.Scheme {
	case "https":
		reqURL.Scheme = "wss"
	case "http":
		reqURL.Scheme = "ws"
	}
	return reqURL.String(), nil
}
