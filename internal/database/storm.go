package database

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/json"
	"github.com/asdine/storm/v3/q"
	"github.com/gofrs/uuid"
	"github.com/mdouchement/chunkvault/internal/model"
	"github.com/pkg/errors"
)

type strm struct {
	db *storm.DB
}

// StormCodec is the format used to store data in the database.
var StormCodec = storm.Codec(json.Codec)

// StormInit initializes Storm database.
func StormInit(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.Init(&model.StoredObject{}); err != nil {
		return errors.Wrap(err, "could not init object index")
	}

	err = db.Init(&model.Chunk{})
	return errors.Wrap(err, "could not init chunk index")
}

// StormReIndex rebuilds the indexes of the Storm database.
func StormReIndex(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.ReIndex(&model.StoredObject{}); err != nil {
		return errors.Wrap(err, "could not ReIndex objects")
	}

	err = db.ReIndex(&model.Chunk{})
	return errors.Wrap(err, "could not ReIndex chunks")
}

// StormOpen opens the given Storm database.
func StormOpen(database string) (Client, error) {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return &strm{
		db: db,
	}, nil
}

func (c *strm) Save(m model.Model) error {
	return errors.Wrap(save(c.db, m), "could not save the model")
}

func (c *strm) Delete(m model.Model) error {
	return errors.Wrap(c.db.DeleteStruct(m), "could not delete the model")
}

func (c *strm) Close() error {
	return c.db.Close()
}

func (c *strm) IsNotFound(err error) bool {
	return errors.Cause(err) == storm.ErrNotFound
}

//
// Object
//

func (c *strm) AllObjects() ([]*model.StoredObject, error) {
	objects := make([]*model.StoredObject, 0)
	err := c.db.All(&objects)
	return objects, errors.Wrap(err, "could not get all objects")
}

func (c *strm) FindObject(id string) (*model.StoredObject, error) {
	var object model.StoredObject
	err := c.db.One("ID", id, &object)
	return &object, errors.Wrap(err, "could not find object")
}

func (c *strm) FindCompleteObjectsByFilename(pattern string) ([]*model.StoredObject, error) {
	objects := make([]*model.StoredObject, 0)
	err := c.db.Select(q.Eq("IsComplete", true), q.Re("Filename", pattern)).Find(&objects)
	if err == storm.ErrNotFound {
		return objects, nil
	}
	return objects, errors.Wrap(err, "could not find objects by filename")
}

func (c *strm) CreateObject(o *model.StoredObject) (*model.StoredObject, bool, error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	var existing model.StoredObject
	err = tx.One("ID", o.ID, &existing)
	if err == nil {
		return &existing, false, nil
	}
	if err != storm.ErrNotFound {
		return nil, false, errors.Wrap(err, "could not find object")
	}

	if err = save(tx, o); err != nil {
		return nil, false, errors.Wrap(err, "could not create object")
	}
	return o, true, errors.Wrap(tx.Commit(), "could not commit object creation")
}

func (c *strm) CompleteObject(id string, fn func(o *model.StoredObject, chunks []*model.Chunk) error) (*model.StoredObject, error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	var object model.StoredObject
	if err = tx.One("ID", id, &object); err != nil {
		return nil, errors.Wrap(err, "could not find object")
	}
	if object.IsComplete {
		return &object, ErrAlreadyComplete
	}

	chunks := make([]*model.Chunk, 0)
	err = tx.Select(q.Eq("ObjectID", id)).OrderBy("Index").Find(&chunks)
	if err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrap(err, "could not get chunks by object_id")
	}

	if err = fn(&object, chunks); err != nil {
		return nil, err
	}
	object.IsComplete = true

	if err = save(tx, &object); err != nil {
		return nil, errors.Wrap(err, "could not complete object")
	}
	return &object, errors.Wrap(tx.Commit(), "could not commit object completion")
}

func (c *strm) DeleteObject(id string) ([]*model.Chunk, error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	var object model.StoredObject
	if err = tx.One("ID", id, &object); err != nil {
		return nil, errors.Wrap(err, "could not find object")
	}

	chunks := make([]*model.Chunk, 0)
	err = tx.Select(q.Eq("ObjectID", id)).Find(&chunks)
	if err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrap(err, "could not get chunks by object_id")
	}

	for _, chunk := range chunks {
		if err = tx.DeleteStruct(chunk); err != nil {
			return nil, errors.Wrap(err, "could not delete chunk")
		}
	}

	if err = tx.DeleteStruct(&object); err != nil {
		return nil, errors.Wrap(err, "could not delete object")
	}
	return chunks, errors.Wrap(tx.Commit(), "could not commit object deletion")
}

//
// Chunk
//

func (c *strm) FindChunksByObjectID(id string) ([]*model.Chunk, error) {
	chunks := make([]*model.Chunk, 0)
	err := c.db.Select(q.Eq("ObjectID", id)).OrderBy("Index").Find(&chunks)
	if err == storm.ErrNotFound {
		return chunks, nil
	}
	return chunks, errors.Wrap(err, "could not get chunks by object_id")
}

func (c *strm) FindChunk(objectID string, index int) (*model.Chunk, error) {
	var chunk model.Chunk
	err := c.db.One("ID", model.ChunkID(objectID, index), &chunk)
	return &chunk, errors.Wrap(err, "could not find chunk")
}

func (c *strm) ReplaceChunk(chunk *model.Chunk) (*model.Chunk, error) {
	tx, err := c.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	var object model.StoredObject
	if err = tx.One("ID", chunk.ObjectID, &object); err != nil {
		return nil, errors.Wrap(err, "could not find object")
	}
	if object.IsComplete {
		return nil, ErrSealed
	}

	chunk.ID = model.ChunkID(chunk.ObjectID, chunk.Index)

	var previous *model.Chunk
	var existing model.Chunk
	err = tx.One("ID", chunk.ID, &existing)
	switch {
	case err == nil:
		previous = &existing
		chunk.CreatedAt = existing.CreatedAt
	case err != storm.ErrNotFound:
		return nil, errors.Wrap(err, "could not find chunk")
	}

	if err = save(tx, chunk); err != nil {
		return nil, errors.Wrap(err, "could not save chunk")
	}
	return previous, errors.Wrap(tx.Commit(), "could not commit chunk")
}

//
// Helpers
//

func save(node storm.Node, m model.Model) error {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	if m.GetID() == "" {
		m.SetID(uuid.Must(uuid.NewV4()).String())
	}
	if m.GetCreatedAt().IsZero() {
		m.SetCreatedAt(t)
	}

	return node.Save(m)
}
