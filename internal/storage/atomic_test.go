package storage

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join("state", "jobs", "job_x", "thing.json")

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, WriteJSON(fs, path, payload{Name: "a", Count: 3}))

	var got payload
	require.NoError(t, ReadJSON(fs, path, &got))
	require.Equal(t, payload{Name: "a", Count: 3}, got)
}

func TestWriteJSON_Overwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "x.json"

	require.NoError(t, WriteJSON(fs, path, map[string]int{"v": 1}))
	require.NoError(t, WriteJSON(fs, path, map[string]int{"v": 2}))

	var got map[string]int
	require.NoError(t, ReadJSON(fs, path, &got))
	require.Equal(t, 2, got["v"])
}

func TestWriteJSON_NoTempFileLeftBehind(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "d"
	require.NoError(t, WriteJSON(fs, filepath.Join(dir, "a.json"), map[string]int{"v": 1}))

	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "a.json", infos[0].Name())
}

func TestWriteJSON_UnmarshalableValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := WriteJSON(fs, "bad.json", make(chan int))
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "bad.json")
	require.False(t, exists)
}

func TestReadJSON_Missing(t *testing.T) {
	fs := afero.NewMemMapFs()
	var out map[string]any
	require.Error(t, ReadJSON(fs, "missing.json", &out))
}
