package elasticsearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	osv2 "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"signal-engine/internal/config"
)

// Client talks to either Elasticsearch or OpenSearch with the same surface.
type Client struct {
	provider string
	timeout  time.Duration
	es       *es.Client
	os       *osv2.Client
}

const (
	ProviderElasticsearch = "elasticsearch"
	ProviderOpenSearch    = "opensearch"
)

// newTransport is shared by both providers so connection reuse is the same.
func newTransport(skipVerify bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipVerify}
	t.MaxIdleConnsPerHost = 20
	t.TLSHandshakeTimeout = 10 * time.Second
	return t
}

func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	c := &Client{provider: cfg.Provider, timeout: cfg.GetRequestTimeout()}
	if c.provider == "" {
		c.provider = ProviderElasticsearch
	}
	transport := newTransport(cfg.TLSSkipVerify)

	switch c.provider {
	case ProviderOpenSearch:
		client, err := osv2.NewClient(osv2.Config{
			Addresses:  cfg.Addresses,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Transport:  transport,
			MaxRetries: 2,
		})
		if err != nil {
			return nil, fmt.Errorf("opensearch client: %w", err)
		}
		c.os = client
	case ProviderElasticsearch:
		// some proxies strip the X-Elastic-Product header
		if cfg.SkipProductCheck {
			_ = os.Setenv("ELASTIC_CLIENT_SKIP_PRODUCT_CHECK", "true")
		}
		client, err := es.NewClient(es.Config{
			Addresses:  cfg.Addresses,
			Username:   cfg.Username,
			Password:   cfg.Password,
			CloudID:    cfg.CloudID,
			APIKey:     cfg.APIKey,
			Transport:  transport,
			MaxRetries: 2,
		})
		if err != nil {
			return nil, fmt.Errorf("elasticsearch client: %w", err)
		}
		c.es = client
	default:
		return nil, fmt.Errorf("unknown provider %q", c.provider)
	}
	return c, nil
}

func (c *Client) Provider() string { return c.provider }

// Response is the fully read reply of a request.
type Response struct {
	StatusCode int
	Body       []byte
}

func (r *Response) IsError() bool { return r.StatusCode > 299 }

func (r *Response) String() string { return fmt.Sprintf("[%d] %s", r.StatusCode, r.Body) }

func read(status int, body io.ReadCloser) (*Response, error) {
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	res := &Response{StatusCode: status, Body: b}
	if res.IsError() {
		return res, fmt.Errorf("%s", res.String())
	}
	return res, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Search runs a query DSL body against index.
func (c *Client) Search(ctx context.Context, index string, body []byte) (*Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.os != nil {
		res, err := c.os.Search(
			c.os.Search.WithContext(ctx),
			c.os.Search.WithIndex(index),
			c.os.Search.WithBody(bytes.NewReader(body)),
			c.os.Search.WithTrackTotalHits(true),
		)
		if err != nil {
			return nil, err
		}
		return read(res.StatusCode, res.Body)
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithTrackTotalHits(true),
		c.es.Search.WithRestTotalHitsAsInt(true),
	)
	if err != nil {
		return nil, err
	}
	return read(res.StatusCode, res.Body)
}

// Index stores doc under id; an empty id lets the cluster pick one.
func (c *Client) Index(ctx context.Context, index, id string, doc []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.os != nil {
		opts := []func(*opensearchapi.IndexRequest){c.os.Index.WithContext(ctx)}
		if id != "" {
			opts = append(opts, c.os.Index.WithDocumentID(id))
		}
		res, err := c.os.Index(index, bytes.NewReader(doc), opts...)
		if err != nil {
			return err
		}
		_, err = read(res.StatusCode, res.Body)
		return err
	}
	opts := []func(*esapi.IndexRequest){c.es.Index.WithContext(ctx)}
	if id != "" {
		opts = append(opts, c.es.Index.WithDocumentID(id))
	}
	res, err := c.es.Index(index, bytes.NewReader(doc), opts...)
	if err != nil {
		return err
	}
	_, err = read(res.StatusCode, res.Body)
	return err
}

// Ping checks the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if c.os != nil {
		res, err := c.os.Ping(c.os.Ping.WithContext(ctx))
		if err != nil {
			return err
		}
		_, err = read(res.StatusCode, res.Body)
		return err
	}
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	_, err = read(res.StatusCode, res.Body)
	return err
}
