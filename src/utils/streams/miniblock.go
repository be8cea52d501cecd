package streams

import (
	"encoding/json"
	"fmt"
)

// Miniblock is an immutable, numbered, hash chained batch of events.
// Content addressed, produced by the server, never mutated once sealed.
type Miniblock struct {
	Header *Envelope   `json:"header"`
	Events []*Envelope `json:"events"`
}

// ParsedMiniblock keeps the decoded header next to the decoded events
type ParsedMiniblock struct {
	Header *MiniblockHeaderPayload
	// Event carrying the header, last in the sealed batch
	HeaderEvent *ParsedEvent
	Events      []*ParsedEvent
}

func (self *Miniblock) Parse() (parsed *ParsedMiniblock, err error) {
	headerEvent, err := self.Header.Parse()
	if err != nil {
		return nil, err
	}

	header, ok := headerEvent.Payload.(*MiniblockHeaderPayload)
	if !ok {
		return nil, fmt.Errorf("miniblock header event %s does not carry a header payload", self.Header.Hash)
	}

	events, err := ParseEnvelopes(self.Events)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		event.MiniblockNum = header.MiniblockNum
	}
	headerEvent.MiniblockNum = header.MiniblockNum

	parsed = &ParsedMiniblock{
		Header:      header,
		HeaderEvent: headerEvent,
		Events:      events,
	}
	return
}

func (self *ParsedMiniblock) Wire() (miniblock *Miniblock, err error) {
	header, err := self.HeaderEvent.Envelope()
	if err != nil {
		return nil, err
	}

	events := make([]*Envelope, 0, len(self.Events))
	for _, event := range self.Events {
		envelope, err := event.Envelope()
		if err != nil {
			return nil, err
		}
		events = append(events, envelope)
	}

	return &Miniblock{Header: header, Events: events}, nil
}

func (self *Miniblock) Marshal() ([]byte, error) {
	return json.Marshal(self)
}

func UnmarshalMiniblock(data []byte) (miniblock *Miniblock, err error) {
	miniblock = new(Miniblock)
	err = json.Unmarshal(data, miniblock)
	if err != nil {
		return nil, err
	}
	return
}
