package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/stretchr/testify/require"
)

func TestDetectionParams(t *testing.T) {
	p := NewDetectionParams()
	require.NoError(t, p.Validate())
	p.ConfidenceThreshold = 1.01
	require.ErrorIs(t, p.Validate(), failure.ErrConfigInvalid)
	p = NewDetectionParams()
	p.NmsIouThreshold = -0.5
	require.ErrorIs(t, p.Validate(), failure.ErrConfigInvalid)
}

func TestTensorToImage(t *testing.T) {
	tensor := NewTensor(2, 1, 3)
	tensor.Set(0, 0, 0, 1)
	tensor.Set(1, 0, 2, 0.5)
	img := tensor.ToImage()
	require.Equal(t, uint8(255), img.NRGBAAt(0, 0).R)
	require.Equal(t, uint8(0), img.NRGBAAt(0, 0).G)
	require.Equal(t, uint8(128), img.NRGBAAt(1, 0).B)
	require.Equal(t, uint8(255), img.NRGBAAt(1, 0).A)
}

func TestLoadModelFiles(t *testing.T) {
	dir := t.TempDir()
	classFile := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(classFile, []byte("person\n\n bicycle \ncar\n"), 0644))
	classes, err := LoadClassFile(classFile)
	require.NoError(t, err)
	require.Equal(t, []string{"person", "bicycle", "car"}, classes)

	modelFile := filepath.Join(dir, "yolov8.json")
	require.NoError(t, os.WriteFile(modelFile, []byte(`{"architecture": "yolov8", "width": 640, "height": 480, "classes": ["cat", "dog"]}`), 0644))
	model, err := LoadModelConfig(modelFile)
	require.NoError(t, err)
	require.Equal(t, &ModelConfig{Architecture: "yolov8", Width: 640, Height: 480, Classes: []string{"cat", "dog"}}, model)

	_, err = LoadModelConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	require.Equal(t, "person", COCOClasses[0])
	require.Len(t, COCOClasses, 80)
}
