package namespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoni/reflection-manager/pkg/model"
)

func TestStubFindDatasetByUUID(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	ds, err := s.FindDatasetByUUID(ctx, "ds-1")
	require.NoError(t, err)
	assert.Nil(t, ds, "an unknown id returns nil, nil rather than an error")

	s.Put(model.DatasetConfig{ID: "ds-1", FullPathList: []string{"space", "ds1"}, Version: "v1"})

	ds, err = s.FindDatasetByUUID(ctx, "ds-1")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, "v1", ds.Version)
	assert.Equal(t, []string{"space", "ds1"}, ds.FullPathList)
}

func TestStubRemove(t *testing.T) {
	s := NewStub()
	ctx := context.Background()
	s.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})

	s.Remove("ds-1")

	ds, err := s.FindDatasetByUUID(ctx, "ds-1")
	require.NoError(t, err)
	assert.Nil(t, ds)
}

func TestStubPutOverwritesExisting(t *testing.T) {
	s := NewStub()
	ctx := context.Background()
	s.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})
	s.Put(model.DatasetConfig{ID: "ds-1", Version: "v2"})

	ds, err := s.FindDatasetByUUID(ctx, "ds-1")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, "v2", ds.Version)
}
