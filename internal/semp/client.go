// Package semp queries a broker's SEMP v2 monitoring API for queue depth.
package semp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultTimeout = 5 * time.Second

var ErrNotFound = errors.New("semp: resource not found")

type Config struct {
	URL      string
	Username string
	Password string
	VPN      string
}

type Client struct {
	cfg  Config
	auth string
	hc   *fasthttp.Client
}

// New returns a client for cfg. hc may be nil.
func New(cfg Config, hc *fasthttp.Client) *Client {
	if hc == nil {
		hc = &fasthttp.Client{
			Name:                "sluice-semp",
			MaxConnsPerHost:     4,
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
			MaxIdleConnDuration: time.Minute,
		}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	c := &Client{cfg: cfg, hc: hc}
	if cfg.Username != "" {
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password))
	}
	return c
}

type queueResponse struct {
	Data struct {
		QueueName       string `json:"queueName"`
		SpooledMsgCount int64  `json:"spooledMsgCount"`
	} `json:"data"`
	Meta struct {
		ResponseCode int `json:"responseCode"`
		Error        *struct {
			Code        int    `json:"code"`
			Description string `json:"description"`
			Status      string `json:"status"`
		} `json:"error"`
	} `json:"meta"`
}

func (c *Client) queueURI(queue string) string {
	return fmt.Sprintf("%s/SEMP/v2/monitor/msgVpns/%s/queues/%s?select=queueName,spooledMsgCount",
		c.cfg.URL, url.PathEscape(c.cfg.VPN), url.PathEscape(queue))
}

// QueueBacklog returns the number of messages spooled on queue.
func (c *Client) QueueBacklog(ctx context.Context, queue string) (int64, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.queueURI(queue))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.auth != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, c.auth)
	}

	timeout := defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.hc.DoTimeout(req, resp, timeout); err != nil {
		return 0, fmt.Errorf("semp: query queue %q: %w", queue, err)
	}

	var body queueResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil && resp.StatusCode() == fasthttp.StatusOK {
		return 0, fmt.Errorf("semp: decode response: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return 0, fmt.Errorf("%w: queue %q in vpn %q", ErrNotFound, queue, c.cfg.VPN)
	case code != fasthttp.StatusOK:
		if e := body.Meta.Error; e != nil {
			return 0, fmt.Errorf("semp: status %d: %s", code, e.Description)
		}
		return 0, fmt.Errorf("semp: status %d", code)
	}
	return body.Data.SpooledMsgCount, nil
}
