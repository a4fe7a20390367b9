package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// RESTConfig configures a REST client.
type RESTConfig struct {
	// URL is the base URL of the node, e.g. http://localhost:3013.
	URL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to logrus.StandardLogger.
	Logger logrus.FieldLogger
}

// REST is a Client for the REST API of a node.
type REST struct {
	url    string
	client *http.Client
	logger logrus.FieldLogger
}

var _ Client = (*REST)(nil)

// NewREST returns a client for the node at c.URL.
func NewREST(c RESTConfig) *REST {
	r := &REST{
		url:    strings.TrimSuffix(c.URL, "/"),
		client: c.HTTPClient,
		logger: c.Logger,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r
}

type errorResponse struct {
	Reason string `json:"reason"`
}

func (r *REST) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.url+path, reqBody)
	if err != nil {
		return errors.Wrap(errors.ErrConfiguration, fmt.Sprintf("building request %s %s: %v", method, path, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.logger.WithFields(logrus.Fields{"method": method, "path": path}).Debug("node request")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("reading response of %s %s: %v", method, path, err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Kind(errors.ErrNotFound, "%s %s", method, path)
	case resp.StatusCode >= 500:
		return errors.Kind(errors.ErrNetwork, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		e := errorResponse{}
		_ = json.Unmarshal(respBody, &e)
		if e.Reason == "" {
			e.Reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		if method == http.MethodPost {
			return Rejected(e.Reason)
		}
		return errors.Kind(errors.ErrNetwork, "%s %s: %s", method, path, e.Reason)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("decoding response of %s %s: %v", method, path, err))
	}
	return nil
}

func (r *REST) AccountNextNonce(ctx context.Context, accountID string, strategy txbuild.NonceStrategy) (uint64, error) {
	out := struct {
		NextNonce uint64 `json:"next_nonce"`
	}{}
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/next-nonce?strategy=" + url.QueryEscape(string(strategy))
	err := r.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return 0, err
	}
	return out.NextNonce, nil
}

func (r *REST) Account(ctx context.Context, accountID string) (Account, error) {
	out := Account{}
	err := r.do(ctx, http.MethodGet, "/v3/accounts/"+url.PathEscape(accountID), nil, &out)
	return out, err
}

func (r *REST) OracleQueries(ctx context.Context, oracleID string, filter QueryFilter) ([]OracleQuery, error) {
	if filter == "" {
		filter = QueriesOpen
	}
	out := struct {
		OracleQueries []OracleQuery `json:"oracle_queries"`
	}{}
	path := "/v3/oracles/" + url.PathEscape(oracleID) + "/queries?type=" + url.QueryEscape(string(filter))
	err := r.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.OracleQueries, nil
}

func (r *REST) NameEntry(ctx context.Context, name string) (NameEntry, error) {
	out := NameEntry{}
	err := r.do(ctx, http.MethodGet, "/v3/names/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (r *REST) Info(ctx context.Context) (Info, error) {
	out := Info{}
	err := r.do(ctx, http.MethodGet, "/v3/status", nil, &out)
	return out, err
}

func (r *REST) PostTransaction(ctx context.Context, signedTx []byte) (string, error) {
	in := struct {
		Tx []byte `json:"tx"`
	}{Tx: signedTx}
	out := struct {
		TxHash string `json:"tx_hash"`
	}{}
	err := r.do(ctx, http.MethodPost, "/v3/transactions", in, &out)
	if err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (r *REST) Transaction(ctx context.Context, hash string) (Transaction, error) {
	out := Transaction{}
	err := r.do(ctx, http.MethodGet, "/v3/transactions/"+url.PathEscape(hash), nil, &out)
	return out, err
}
