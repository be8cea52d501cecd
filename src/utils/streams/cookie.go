package streams

// Globally unique stream identifier
type StreamId string

// Server issued continuation token scoped to one stream.
// Presented to resume or extend a subscription, the server rejects stale ones.
type SyncCookie struct {
	StreamId StreamId `json:"streamId"`
	Token    string   `json:"token"`
}

func (self *SyncCookie) IsZero() bool {
	return self == nil || self.Token == ""
}
