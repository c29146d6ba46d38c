package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SegmentType classifies a rated segment.
type SegmentType string

const (
	SegmentQuery       SegmentType = "query"
	SegmentInformation SegmentType = "information"
	SegmentAction      SegmentType = "action"
	SegmentCommand     SegmentType = "command"
)

// Valid reports whether t is one of the recognized segment types.
func (t SegmentType) Valid() bool {
	switch t {
	case SegmentQuery, SegmentInformation, SegmentAction, SegmentCommand:
		return true
	}
	return false
}

const (
	MinImportance     = 1
	MaxImportance     = 5
	DefaultImportance = 3
)

// ClampImportance forces v into the [1..5] rating range.
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// Segment is a sub-utterance produced by the digester. Its index within
// the parent digest is positional.
type Segment struct {
	Text         string      `json:"text"`
	Importance   int         `json:"importance"`
	Topics       []string    `json:"topics,omitempty"`
	Type         SegmentType `json:"type"`
	MemoryWorthy bool        `json:"memory_worthy"`
}

// UnmarshalJSON fills defaults for fields older files may omit:
// memory_worthy absent means true, type absent means information.
func (s *Segment) UnmarshalJSON(data []byte) error {
	type alias Segment
	aux := struct {
		*alias
		MemoryWorthy *bool `json:"memory_worthy"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MemoryWorthy == nil {
		s.MemoryWorthy = true
	} else {
		s.MemoryWorthy = *aux.MemoryWorthy
	}
	if !s.Type.Valid() {
		s.Type = SegmentInformation
	}
	if s.Importance == 0 {
		s.Importance = DefaultImportance
	}
	s.Importance = ClampImportance(s.Importance)
	return nil
}

// Digest is the ordered segment list attached to one turn.
type Digest struct {
	TurnGUID  string    `json:"turn_guid"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Segments  []Segment `json:"segments"`
}

// Turn is a single user or assistant utterance. It is mutated exactly
// once after creation, to attach its digest.
type Turn struct {
	GUID      string    `json:"guid"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Digest    *Digest   `json:"digest,omitempty"`
}

// NewTurn builds a turn with a fresh GUID and the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{
		GUID:      uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// ContextEntry is a compressed narrative fragment with back-references
// to the turns it was derived from.
type ContextEntry struct {
	Text        string    `json:"text"`
	SourceGUIDs []string  `json:"source_guids"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// CompressionRecord notes one compression pass in the state metadata.
type CompressionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceGUIDs []string  `json:"source_guids"`
	EntryCount  int       `json:"entry_count"`
}

// Metadata carries bookkeeping for a memory state document.
type Metadata struct {
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	CompressionCount  int                 `json:"compression_count"`
	LastCompressed    []string            `json:"last_compressed,omitempty"`
	CompressedEntries []CompressionRecord `json:"compressed_entries,omitempty"`
}

// MemoryState is the single mutable document per session.
type MemoryState struct {
	GUID                string         `json:"guid"`
	MemoryType          string         `json:"memory_type"`
	StaticMemory        string         `json:"static_memory"`
	Context             []ContextEntry `json:"context"`
	ConversationHistory []Turn         `json:"conversation_history"`
	Metadata            Metadata       `json:"metadata"`
}

// NewMemoryState seeds a fresh state. An empty guid gets a generated one.
func NewMemoryState(guid, staticMemory string) *MemoryState {
	if guid == "" {
		guid = uuid.NewString()
	}
	now := time.Now().UTC()
	return &MemoryState{
		GUID:                guid,
		MemoryType:          "standard",
		StaticMemory:        staticMemory,
		Context:             []ContextEntry{},
		ConversationHistory: []Turn{},
		Metadata:            Metadata{CreatedAt: now, UpdatedAt: now},
	}
}

// Valid reports whether the state is a usable seed (CreateInitial treats
// an existing valid file as a no-op).
func (s *MemoryState) Valid() bool {
	return s != nil && s.GUID != "" && s.StaticMemory != ""
}

// ConversationLog is the durable record of every turn, compressed or not.
type ConversationLog struct {
	MemoryFileGUID string `json:"memory_file_guid"`
	Entries        []Turn `json:"entries"`
}

// FindTurn returns the index of the turn with the given guid, or -1.
func (l *ConversationLog) FindTurn(guid string) int {
	for i := range l.Entries {
		if l.Entries[i].GUID == guid {
			return i
		}
	}
	return -1
}
