package streams

// Kind of the stream, decides which encrypted fields a snapshot exposes
type StreamKind string

const (
	StreamKindGroupDM StreamKind = "gdm"
	StreamKindSpace   StreamKind = "space"
	StreamKindChannel StreamKind = "channel"
)

// EncryptedField is an encrypted snapshot value together with the hash of
// the event that produced it. The hash is used to prefetch cached cleartexts.
type EncryptedField struct {
	EventHash  string `json:"eventHash"`
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
}

// Member of the stream as recorded in the snapshot
type Member struct {
	UserId    string `json:"userId"`
	EventHash string `json:"eventHash"`
}

// Snapshot is the point-in-time aggregated state of a stream, used to
// bootstrap a view without replaying full history.
type Snapshot struct {
	Kind              StreamKind                 `json:"kind"`
	Members           []Member                   `json:"members"`
	Usernames         map[string]*EncryptedField `json:"usernames,omitempty"`
	DisplayNames      map[string]*EncryptedField `json:"displayNames,omitempty"`
	ChannelProperties *EncryptedField            `json:"channelProperties,omitempty"`
}

// SnapshotFields enumerates the event hashes of a snapshot's encrypted fields.
// The exact enumeration per stream kind is protocol business logic supplied by
// the stream-type collaborator, DefaultSnapshotFields covers the known kinds.
type SnapshotFields func(snapshot *Snapshot) []string

func DefaultSnapshotFields(snapshot *Snapshot) (hashes []string) {
	if snapshot == nil {
		return nil
	}

	for _, field := range snapshot.Usernames {
		if field.EventHash != "" {
			hashes = append(hashes, field.EventHash)
		}
	}
	for _, field := range snapshot.DisplayNames {
		if field.EventHash != "" {
			hashes = append(hashes, field.EventHash)
		}
	}

	// Only channel streams carry channel properties
	if snapshot.Kind == StreamKindChannel && snapshot.ChannelProperties != nil && snapshot.ChannelProperties.EventHash != "" {
		hashes = append(hashes, snapshot.ChannelProperties.EventHash)
	}

	return
}
