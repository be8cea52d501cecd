package rpc

import (
	"context"
	"errors"
	"strconv"

	"github.com/rvr-protocol/streamsync/src/utils/build_info"
	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/streams"
	"github.com/rvr-protocol/streamsync/src/utils/task"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Fetcher downloads authoritative stream state over HTTP. Used when the
// persisted checkpoint cannot be restored and on stale-cookie recovery.
type Fetcher struct {
	config  *config.Config
	log     *logrus.Entry
	client  *resty.Client
	limiter *rate.Limiter
}

// GetStreamResponse is the authoritative bootstrap of one stream
type GetStreamResponse struct {
	Stream *StreamAndCookie `json:"stream"`
}

type getMiniblocksResponse struct {
	Miniblocks []*streams.Miniblock `json:"miniblocks"`
}

func NewFetcher(config *config.Config) (self *Fetcher) {
	self = new(Fetcher)
	self.config = config
	self.log = logger.NewSublogger("fetcher")

	self.limiter = rate.NewLimiter(rate.Limit(config.Node.RequestsPerSecond), 1)

	self.client = resty.New().
		SetBaseURL(config.Node.HttpUrl).
		SetTimeout(config.Node.RequestTimeout).
		SetHeader("User-Agent", "rvr-protocol/streamsync/"+build_info.Version).
		OnBeforeRequest(self.onRateLimit).
		OnAfterResponse(self.onStatusToError)

	return
}

func (self *Fetcher) onRateLimit(c *resty.Client, req *resty.Request) error {
	return self.limiter.Wait(req.Context())
}

func (self *Fetcher) onStatusToError(c *resty.Client, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	if remoteErr, ok := resp.Error().(*Error); ok && remoteErr.Code != "" {
		return remoteErr
	}
	return &Error{Code: CodeInternal, Message: resp.Status()}
}

// GetStream fetches the full current state of a stream: snapshot miniblocks,
// minipool events and a fresh sync cookie
func (self *Fetcher) GetStream(ctx context.Context, streamId streams.StreamId) (response *GetStreamResponse, err error) {
	err = self.retry(ctx).Run(func() error {
		response = new(GetStreamResponse)
		_, err := self.client.R().
			SetContext(ctx).
			SetResult(response).
			SetError(new(Error)).
			SetPathParam("streamId", string(streamId)).
			Get("/streams/{streamId}")
		return err
	})
	if err != nil {
		return nil, err
	}
	return
}

// GetMiniblocks fetches the inclusive miniblock range [from, to]
func (self *Fetcher) GetMiniblocks(ctx context.Context, streamId streams.StreamId, from, to int64) (miniblocks []*streams.Miniblock, err error) {
	err = self.retry(ctx).Run(func() error {
		response := new(getMiniblocksResponse)
		_, err := self.client.R().
			SetContext(ctx).
			SetResult(response).
			SetError(new(Error)).
			SetPathParam("streamId", string(streamId)).
			SetQueryParam("from", formatInt(from)).
			SetQueryParam("to", formatInt(to)).
			Get("/streams/{streamId}/miniblocks")
		if err != nil {
			return err
		}
		miniblocks = response.Miniblocks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return
}

// ShareSessionKey delivers an exported group session key to the stream's
// other participants through the node's key-delivery endpoint
func (self *Fetcher) ShareSessionKey(ctx context.Context, streamId streams.StreamId, sessionId, sessionKey string, members []string) (err error) {
	return self.retry(ctx).Run(func() error {
		_, err := self.client.R().
			SetContext(ctx).
			SetError(new(Error)).
			SetPathParam("streamId", string(streamId)).
			SetBody(map[string]interface{}{
				"sessionId":  sessionId,
				"sessionKey": sessionKey,
				"members":    members,
			}).
			Post("/streams/{streamId}/keys")
		return err
	})
}

func (self *Fetcher) retry(ctx context.Context) *task.Retry {
	return task.NewRetry().
		WithContext(ctx).
		WithMaxElapsedTime(self.config.Node.FetchMaxElapsedTime).
		WithMaxInterval(self.config.Node.FetchMaxInterval).
		WithOnError(func(err error) error {
			var remoteErr *Error
			if errors.As(err, &remoteErr) &&
				(remoteErr.Code == CodeNotFound || remoteErr.Code == CodeBadSyncCookie) {
				// No point retrying, the request itself is wrong
				return backoff.Permanent(err)
			}
			self.log.WithError(err).Warn("Fetch failed, retrying")
			return err
		})
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
