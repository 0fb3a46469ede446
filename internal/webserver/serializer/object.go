package serializer

import (
	"github.com/mdouchement/chunkvault/internal/model"
)

// Object returns the serialized form of the given model.
func Object(object *model.StoredObject) map[string]interface{} {
	m := map[string]interface{}{
		"id":           object.ID,
		"filename":     object.Filename,
		"content_type": object.ContentType,
		"is_complete":  object.IsComplete,
		"created_at":   object.CreatedAt,
	}

	if object.IsComplete {
		m["bytes"] = object.DeclaredLength
		m["chunks"] = object.ChunkCount
		m["hash"] = object.Checksum
		m["finalized_at"] = object.FinalizedAt
		m["finalized_by"] = object.FinalizedBy
	}
	return m
}

// Chunks returns the serialized form of the given models.
func Chunks(chunks []*model.Chunk) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(chunks))

	for _, chunk := range chunks {
		sl = append(sl, map[string]interface{}{
			"index":         chunk.Index,
			"bytes":         chunk.Size,
			"hash":          chunk.Checksum,
			"last_modified": chunk.UpdatedAt,
		})
	}

	return sl
}
