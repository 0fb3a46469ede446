package model

import "fmt"

// A Chunk is one ingestion unit of a StoredObject.
// Its payload lives in the storage backend under Key.
type Chunk struct {
	Base `json:",inline" storm:"inline"`

	ObjectID string `json:"object_id" storm:"index"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Key      string `json:"key"`
}

// ChunkID returns the record ID of the chunk at index for the given object.
// Two writes on the same index share the same record.
func ChunkID(objectID string, index int) string {
	return fmt.Sprintf("%s/%d", objectID, index)
}
