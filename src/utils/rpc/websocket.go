package rpc

import (
	"context"
	"net/http"

	"github.com/rvr-protocol/streamsync/src/utils/build_info"
	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/teivah/onecontext"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WebsocketClient implements Client against a stream node. The multiplexed
// subscription runs over a websocket, the unary side calls go over HTTP.
type WebsocketClient struct {
	config *config.Config
	log    *logrus.Entry

	// Base context merged into every call, cancelled when the engine stops
	baseCtx context.Context

	http *resty.Client
}

func NewWebsocketClient(ctx context.Context, config *config.Config) (self *WebsocketClient) {
	self = new(WebsocketClient)
	self.config = config
	self.log = logger.NewSublogger("rpc-client")
	self.baseCtx = ctx

	self.http = resty.New().
		SetBaseURL(config.Node.HttpUrl).
		SetTimeout(config.Node.RequestTimeout).
		SetHeader("User-Agent", "rvr-protocol/streamsync/"+build_info.Version)

	return
}

type syncStreamsRequest struct {
	Method    string                `json:"method"`
	Positions []*streams.SyncCookie `json:"positions"`
}

func (self *WebsocketClient) SyncStreams(ctx context.Context, positions []*streams.SyncCookie) (stream SyncStream, err error) {
	ctx, cancel := onecontext.Merge(self.baseCtx, ctx)

	dialCtx, dialCancel := context.WithTimeout(ctx, self.config.Node.DialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, self.config.Node.WebsocketUrl, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	// Subscription handshake, the first server message is SYNC_NEW
	err = wsjson.Write(dialCtx, conn, &syncStreamsRequest{
		Method:    "syncStreams",
		Positions: positions,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		cancel()
		return nil, err
	}

	return &websocketSyncStream{ctx: ctx, cancel: cancel, conn: conn}, nil
}

type websocketSyncStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func (self *websocketSyncStream) Recv(ctx context.Context) (response *SyncResponse, err error) {
	ctx, cancel := onecontext.Merge(self.ctx, ctx)
	defer cancel()

	response = new(SyncResponse)
	err = wsjson.Read(ctx, self.conn, response)
	if err != nil {
		return nil, err
	}
	return
}

func (self *websocketSyncStream) Close() error {
	defer self.cancel()
	return self.conn.Close(websocket.StatusNormalClosure, "")
}

func (self *WebsocketClient) CancelSync(ctx context.Context, syncId string) error {
	return self.post(ctx, "/sync/cancel", map[string]interface{}{
		"syncId": syncId,
	})
}

func (self *WebsocketClient) AddStreamToSync(ctx context.Context, syncId string, position *streams.SyncCookie) error {
	return self.post(ctx, "/sync/add", map[string]interface{}{
		"syncId":  syncId,
		"syncPos": position,
	})
}

func (self *WebsocketClient) RemoveStreamFromSync(ctx context.Context, syncId string, streamId streams.StreamId) error {
	return self.post(ctx, "/sync/remove", map[string]interface{}{
		"syncId":   syncId,
		"streamId": streamId,
	})
}

func (self *WebsocketClient) post(ctx context.Context, url string, body interface{}) (err error) {
	ctx, cancel := onecontext.Merge(self.baseCtx, ctx)
	defer cancel()

	var remoteErr Error
	resp, err := self.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&remoteErr).
		Post(url)
	if err != nil {
		return
	}

	if resp.StatusCode() != http.StatusOK {
		if remoteErr.Code == "" {
			remoteErr.Code = CodeInternal
			remoteErr.Message = resp.Status()
		}
		return &remoteErr
	}
	return nil
}
