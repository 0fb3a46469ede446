package model

import "time"

// A StoredObject is the canonical metadata of one logical binary resource (e.g. a video).
// Its bytes are held by the Chunks sharing its ID.
type StoredObject struct {
	Base `json:",inline" storm:"inline"`

	Filename       string `json:"filename"        storm:"index"`
	ContentType    string `json:"content_type"`
	DeclaredLength int64  `json:"declared_length"`
	ChunkCount     int    `json:"chunk_count"`
	Checksum       string `json:"checksum"`

	IsComplete  bool      `json:"is_complete"`
	FinalizedAt time.Time `json:"finalized_at"`
	FinalizedBy string    `json:"finalized_by"`
}
