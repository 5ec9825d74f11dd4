package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	return &http.Client{
		Transport: defaultTransport(),
		Timeout:   defaultHttpTimeout,
	}
}

// no overall timeout, the response body is read for the life of the stream
func eventStreamClient() *http.Client {
	return &http.Client{
		Transport: defaultTransport(),
	}
}

func defaultTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
}

// TreeClient reads and writes a tree over REST. A path `/a/b` maps to
// `<baseUrl>/a/b.json`.
type TreeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	baseUrl string
	auth    Authorization
	client  *http.Client
}

// `auth` may be nil for anonymous access
func NewTreeClient(ctx context.Context, baseUrl string, auth Authorization) *TreeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	if auth != nil {
		auth = auth.CloneHandle()
	}
	return &TreeClient{
		ctx:     cancelCtx,
		cancel:  cancel,
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		auth:    auth,
		client:  defaultClient(),
	}
}

func (self *TreeClient) Url(path string) string {
	return fmt.Sprintf("%s%s.json", self.baseUrl, ParsePath(path))
}

// listens to `path` and everything under it
func (self *TreeClient) Listen(path string, mirror *TreeMirror, settings *TreeListenerSettings) *TreeListener {
	return NewTreeListener(self.ctx, self.Url(path), self.auth, mirror, settings)
}

// `shallow` returns `true` in place of any object or array below `path`
func (self *TreeClient) Get(path string, shallow bool) (TreeValue, error) {
	query := url.Values{}
	if shallow {
		query.Set("shallow", "true")
	}
	return self.call(http.MethodGet, path, query, nil)
}

// replaces the value at `path` and returns the stored value
func (self *TreeClient) Put(path string, value TreeValue) (TreeValue, error) {
	return self.call(http.MethodPut, path, nil, &value)
}

// merges the fields into the object at `path`. Keys may contain `/`.
func (self *TreeClient) Patch(path string, fields TreeValue) (TreeValue, error) {
	if !fields.IsObject() {
		return Null(), ErrPatchNotObject
	}
	return self.call(http.MethodPatch, path, nil, &fields)
}

// appends a child with a generated key and returns the key
func (self *TreeClient) Post(path string, value TreeValue) (string, error) {
	result, err := self.call(http.MethodPost, path, nil, &value)
	if err != nil {
		return "", err
	}
	name, ok := result.Get(Path{"name"})
	if !ok {
		return "", fmt.Errorf("Post result has no name.")
	}
	key, ok := name.Str()
	if !ok {
		return "", fmt.Errorf("Post result has no name.")
	}
	return key, nil
}

func (self *TreeClient) Delete(path string) error {
	_, err := self.call(http.MethodDelete, path, nil, nil)
	return err
}

func (self *TreeClient) Close() {
	self.cancel()
}

func (self *TreeClient) call(method string, path string, query url.Values, body *TreeValue) (TreeValue, error) {
	var requestBody io.Reader
	if body != nil {
		requestBodyBytes, err := json.Marshal(body)
		if err != nil {
			return Null(), err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	requestUrl := self.Url(path)
	if 0 < len(query) {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, query.Encode())
	}
	req, err := http.NewRequestWithContext(self.ctx, method, requestUrl, requestBody)
	if err != nil {
		return Null(), err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	if err := authorizeRequest(self.ctx, self.auth, req); err != nil {
		return Null(), err
	}

	r, err := self.client.Do(req)
	if err != nil {
		return Null(), err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := treeErrorMessage(responseBodyBytes)
		switch r.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Null(), fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage)
		default:
			return Null(), fmt.Errorf("%s: %s", r.Status, errorMessage)
		}
	}
	if err != nil {
		return Null(), err
	}
	if len(bytes.TrimSpace(responseBodyBytes)) == 0 {
		return Null(), nil
	}
	return ParseTreeValue(responseBodyBytes)
}

// adds the bearer token. A missing token sends the request anonymously.
func authorizeRequest(ctx context.Context, auth Authorization, req *http.Request) error {
	if auth == nil {
		return nil
	}
	token, err := auth.GetToken(ctx)
	switch {
	case err == nil:
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
		return nil
	case errors.Is(err, ErrNoToken):
		return nil
	default:
		return err
	}
}

// error bodies are either `{"error": "..."}` or text
func treeErrorMessage(body []byte) string {
	var result struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.Error != "" {
		return result.Error
	}
	return strings.TrimSpace(string(body))
}
