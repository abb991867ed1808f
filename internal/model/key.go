package model

import "time"

type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

type (
	KeyRecord struct {
		Version   uint32    `bson:"version" json:"version"`
		Material  []byte    `bson:"material" json:"-"`
		CreatedAt time.Time `bson:"created_at" json:"created_at"`
		Status    KeyStatus `bson:"status" json:"status"`
	}
)

// Clone returns a copy that does not share key material with r.
func (r KeyRecord) Clone() KeyRecord {
	c := r
	c.Material = append([]byte(nil), r.Material...)
	return c
}
