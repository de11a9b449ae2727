package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
)

func TestPutGetList(t *testing.T) {
	d := newDevice(t)

	var res writeResult
	d.runJSON(t, &res, "put", "contact", "c-1", "name=Ann", "age:=30")
	assert.True(t, res.Changed)
	assert.NotEmpty(t, res.IntentID)

	d.mustRun(t, "put", "contact", "c-2", "name=Bob", "age:=41")
	d.mustRun(t, "put", "contact", "c-1", "city=Oslo")

	record := decodeRecord(t, d, "contact", "c-1")
	assert.Equal(t, map[string]any{"name": "Ann", "age": float64(30), "city": "Oslo"}, record.Fields)
	assert.True(t, record.Dirty)
	assert.Zero(t, record.Version)

	// неизменяющий патч не создает намерения
	d.runJSON(t, &res, "put", "contact", "c-1", "city=Oslo")
	assert.False(t, res.Changed)

	var all []*models.EntityRecord
	d.runJSON(t, &all, "list", "contact")
	assert.Len(t, all, 2)

	var filtered []*models.EntityRecord
	d.runJSON(t, &filtered, "list", "contact", "--where", "age=41")
	require.Len(t, filtered, 1)
	assert.Equal(t, "c-2", filtered[0].ID)

	text := d.mustRun(t, "list", "contact", "--format", "text")
	assert.Contains(t, text, "ID")
	assert.Contains(t, text, "name=Ann")
	assert.Contains(t, text, "2 record(s)")

	text = d.mustRun(t, "get", "contact", "c-1", "--format", "text")
	assert.Contains(t, text, "=== contact/c-1 ===")
	assert.Contains(t, text, "city: Oslo")
	assert.Contains(t, text, "not yet synchronized")
}

func TestPut_GeneratedID(t *testing.T) {
	d := newDevice(t)

	var res writeResult
	d.runJSON(t, &res, "put", "deal", "-", "stage=lead")
	assert.Len(t, res.ID, 36)

	record := decodeRecord(t, d, "deal", res.ID)
	assert.Equal(t, "lead", record.Fields["stage"])
}

func TestPut_Errors(t *testing.T) {
	d := newDevice(t)

	_, err := d.run(t, "put", "contact", "c-1")
	assert.Error(t, err, "fields are required")

	_, err = d.run(t, "put", "contact", "c-1", "name")
	assert.Error(t, err)

	_, err = d.run(t, "put", "Contact", "c-1", "name=Ann")
	assert.ErrorContains(t, err, "invalid entity")
}

func TestDelete(t *testing.T) {
	d := newDevice(t)
	d.mustRun(t, "put", "contact", "c-1", "name=Ann")

	out := d.mustRun(t, "delete", "contact", "c-1", "--format", "text")
	assert.Contains(t, out, "Deleted contact/c-1")

	record := decodeRecord(t, d, "contact", "c-1")
	assert.True(t, record.IsDeleted())

	var all []*models.EntityRecord
	d.runJSON(t, &all, "list", "contact")
	assert.Empty(t, all)

	out = d.mustRun(t, "delete", "contact", "c-1", "--format", "text")
	assert.Contains(t, out, "already deleted")
}

func TestGet_NotFound(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "get", "contact", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
