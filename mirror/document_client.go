package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/bringyour/mirror/protocol"
)

const DefaultDocumentBaseUrl = "https://firestore.googleapis.com/v1"

const DefaultListPageSize = 300

// DocumentClient reads the documents of a collection over REST.
// A collection `rooms` of project `p` is listed from
// `<baseUrl>/projects/p/databases/(default)/documents/rooms`.
type DocumentClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	baseUrl  string
	database string
	auth     Authorization
	client   *http.Client
}

func NewDocumentClientWithDefaults(ctx context.Context, auth Authorization) *DocumentClient {
	return NewDocumentClient(ctx, DefaultDocumentBaseUrl, auth)
}

// `auth` may be nil for anonymous access
func NewDocumentClient(ctx context.Context, baseUrl string, auth Authorization) *DocumentClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	projectId := ""
	if auth != nil {
		auth = auth.CloneHandle()
		projectId = auth.ProjectId()
	}
	return &DocumentClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		database: fmt.Sprintf("projects/%s/databases/(default)", projectId),
		auth:     auth,
		client:   defaultClient(),
	}
}

func (self *DocumentClient) CollectionUrl(collection string) string {
	return fmt.Sprintf("%s/%s/documents/%s", self.baseUrl, self.database, strings.Trim(collection, "/"))
}

// ListDocuments reads one page. An empty `pageToken` reads the first page.
func (self *DocumentClient) ListDocuments(collection string, pageSize int, pageToken string) (*protocol.ListDocumentsResponse, error) {
	query := url.Values{}
	query.Set("pageSize", strconv.Itoa(pageSize))
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	requestUrl := fmt.Sprintf("%s?%s", self.CollectionUrl(collection), query.Encode())

	req, err := http.NewRequestWithContext(self.ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, err
	}
	if err := authorizeRequest(self.ctx, self.auth, req); err != nil {
		return nil, err
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		errorMessage := documentErrorMessage(responseBodyBytes)
		switch r.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage)
		default:
			return nil, fmt.Errorf("%s: %s", r.Status, errorMessage)
		}
	}
	if err != nil {
		return nil, err
	}
	return protocol.DecodeListDocumentsJson(responseBodyBytes)
}

// ListAllDocuments follows the page tokens to the end of the listing.
func (self *DocumentClient) ListAllDocuments(collection string, pageSize int) ([]*protocol.Document, error) {
	documents := []*protocol.Document{}
	pageToken := ""
	for {
		res, err := self.ListDocuments(collection, pageSize, pageToken)
		if err != nil {
			return nil, err
		}
		documents = append(documents, res.GetDocuments()...)
		glog.V(2).Infof("[dc]%s page of %d documents\n", collection, len(res.GetDocuments()))
		pageToken = res.GetNextPageToken()
		if pageToken == "" {
			return documents, nil
		}
	}
}

func (self *DocumentClient) Close() {
	self.cancel()
}

// error bodies are `{"error": {"code", "message", "status"}}`
func documentErrorMessage(body []byte) string {
	var result struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err == nil && result.Error.Message != "" {
		if result.Error.Status != "" {
			return fmt.Sprintf("%s %s", result.Error.Status, result.Error.Message)
		}
		return result.Error.Message
	}
	return strings.TrimSpace(string(body))
}
